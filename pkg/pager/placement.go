// Copyright 2023 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pager

import (
	"github.com/intel/ssi-pager/pkg/directory"
)

// Placement: guest-physical pages are striped across the cluster at page
// granularity; every node derives the same page-to-home mapping from the
// cluster size, so the ownership view is identical everywhere without a
// claim protocol. A page materializes on its home node on the first
// touch, from either side: a local fault claims and zero-fills it, a
// remote fetch makes the home claim it and serve zeros. Pages homed
// elsewhere start out as Remote(home).
//
// The alternative placement hook (routing a first touch to a different
// node with a push) plugs in here.

// homeNode returns the node a page is homed on.
func homeNode(page uint64, totalNodes uint32) uint32 {
	return uint32(page % uint64(totalNodes))
}

// initPlacement seeds a freshly created directory with the partition map.
func initPlacement(dir *directory.Directory, nodeID, totalNodes uint32) {
	if totalNodes <= 1 {
		return
	}
	for page := uint64(0); page < dir.PageCount(); page++ {
		if home := homeNode(page, totalNodes); home != nodeID {
			dir.MarkRemote(page, home)
		}
	}
}
