/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// progressFunc is called as a download advances. done/total are in bytes
// when known; filesDone/filesTotal is the fallback when byte counts are
// unavailable. Progress must never regress — callers are responsible for
// enforcing that across repeated calls.
type progressFunc func(downloadedBytes, totalBytes int64, filesDone, filesTotal int)

// byteProgressLine matches the byte-progress lines huggingface-cli/
// modelscope's download tooling emit on stdout, e.g.
// "Downloading (…): 123456/7890123 bytes".
var byteProgressLine = regexp.MustCompile(`(\d+)\s*/\s*(\d+)\s*(?:bytes|B)\b`)
var filesProgressLine = regexp.MustCompile(`(?i)file[s]?\s+(\d+)\s*/\s*(\d+)`)

// downloadOnce shells out to the tooling appropriate for source and
// streams its stdout and stderr together through progress. It returns
// apierrors.ErrDownloadFailed wrapped with the process's exit error on a
// non-zero exit; the process output itself is not included.
func downloadOnce(ctx context.Context, modelName string, source model.Source, destPath string, progress progressFunc) error {
	var cmd *exec.Cmd
	switch source {
	case model.SourceHuggingFace:
		cmd = exec.CommandContext(ctx, "huggingface-cli", "download", modelName, "--local-dir", destPath)
	case model.SourceModelScope:
		cmd = exec.CommandContext(ctx, "modelscope", "download", "--model", modelName, "--local_dir", destPath)
	default:
		return fmt.Errorf("%w: unsupported download source %q", apierrors.ErrInvalid, source)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", apierrors.ErrDownloadFailed, err)
	}

	scanProgress(stdout, progress)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %v", apierrors.ErrDownloadFailed, err)
	}
	return nil
}

func scanProgress(r io.Reader, progress progressFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lastBytes int64
	var lastFiles int
	for scanner.Scan() {
		line := scanner.Text()
		if m := byteProgressLine.FindStringSubmatch(line); m != nil {
			done, _ := strconv.ParseInt(m[1], 10, 64)
			total, _ := strconv.ParseInt(m[2], 10, 64)
			if done > lastBytes {
				lastBytes = done
				progress(done, total, 0, 0)
			}
			continue
		}
		if m := filesProgressLine.FindStringSubmatch(line); m != nil {
			done, _ := strconv.Atoi(m[1])
			total, _ := strconv.Atoi(m[2])
			if done > lastFiles {
				lastFiles = done
				progress(0, 0, done, total)
			}
		}
	}
}

// downloadWithRetry retries downloadOnce up to 3 attempts total with
// exponential backoff, per spec.md §4.3.
func downloadWithRetry(ctx context.Context, modelName string, source model.Source, destPath string, progress progressFunc) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := downloadOnce(ctx, modelName, source, destPath, progress)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.WithContext(b, ctx), 2))
}
