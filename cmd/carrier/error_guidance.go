package main

import (
	"context"
	"errors"
	"net"

	"carrier/internal/mount"
	"carrier/internal/remote"
	"carrier/internal/uploader"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	if errors.Is(err, errManifestMissing) {
		lines = append(lines,
			"hint: create the uploader manifest or point manifest_path at it.",
			"hint: carrier config set manifest_path <path>",
		)
	}

	var integrityErr *uploader.IntegrityError
	if errors.As(err, &integrityErr) {
		lines = append(lines, "hint: the file was rejected by the uploader's extension, content type or size rules; see carrier uploaders.")
	}

	var processingErr *uploader.ProcessingError
	if errors.As(err, &processingErr) {
		lines = append(lines, "hint: a processing step failed; rerun with --log-level debug for step details.")
	}

	var downloadErr *uploader.DownloadError
	if errors.As(err, &downloadErr) && downloadErr.Status >= 400 {
		lines = append(lines, "hint: the remote host refused the download; check the URL and any --header values.")
	}

	if errors.Is(err, uploader.ErrInvalidCacheName) {
		lines = append(lines, "hint: cache names look like <token>/<filename> and expire after carrier cache clean --apply.")
	}

	if errors.Is(err, mount.ErrMissingFile) {
		lines = append(lines, "hint: the stored file is gone from the backend; detach the slot or attach a replacement.")
	}

	if errors.Is(err, remote.ErrTooLarge) {
		lines = append(lines, "hint: raise the download limit with: carrier config set remote.max_bytes <size>")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: request timed out; increase remote.timeout or CARRIER_REMOTE_TIMEOUT.")
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		lines = append(lines,
			"hint: check that the URL is reachable from this machine.",
			"hint: you can increase remote.timeout for slower hosts.",
		)
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
