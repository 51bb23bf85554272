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
	"time"

	"golang.org/x/sys/unix"

	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// measureDisk reports the filesystem hosting root via Statfs — the
// ecosystem-standard extended syscall package (golang.org/x/sys/unix),
// not a hand-rolled raw syscall.Statfs_t conversion.
func measureDisk(nodeID, root string) (model.DiskStatus, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return model.DiskStatus{}, err
	}
	total := int64(st.Blocks) * int64(st.Bsize)
	free := int64(st.Bavail) * int64(st.Bsize)
	used := total - int64(st.Bfree)*int64(st.Bsize)
	return model.DiskStatus{
		NodeID:     nodeID,
		TotalBytes: total,
		UsedBytes:  used,
		FreeBytes:  free,
		MeasuredAt: time.Now().UTC(),
	}, nil
}

// evaluateAlert is the hysteresis state machine behind §4.3's disk
// reporting: raise strictly above a threshold, clear strictly below
// threshold-hysteresis, otherwise hold the previous state. The 2
// percentage-point band is this repo's answer to spec.md §9's open
// question on hysteresis size.
const hysteresisPct = 0.02

func evaluateAlert(usedFraction, threshold float64, wasActive bool) bool {
	clearBelow := threshold - hysteresisPct
	if usedFraction > threshold {
		return true
	}
	if usedFraction < clearBelow {
		return false
	}
	return wasActive
}
