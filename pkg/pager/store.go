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
	"time"

	"github.com/pkg/errors"

	"github.com/intel/ssi-pager/pkg/directory"
	"github.com/intel/ssi-pager/pkg/guestmem"
	"github.com/intel/ssi-pager/pkg/stats"
	"github.com/intel/ssi-pager/pkg/transport"
	"github.com/intel/ssi-pager/pkg/uffd"
)

// pageStore is the transport server's view of this node: it serves fetches
// of locally owned pages and installs pushed pages, keeping the directory
// and heat accounting in step.
type pageStore struct {
	region    *guestmem.Region
	dir       *directory.Directory
	installer uffd.Installer
	heat      *stats.Heat
}

// ReadPage serves a fetch request. Pages the directory records as Local
// are served as-is; an unclaimed page is one this node homes but never
// touched, so the fetch is its first touch: claim it, zero-fill it, and
// serve the zeros. Anything else is an error on the requester's side of
// the ownership map.
func (s *pageStore) ReadPage(peer uint32, page uint64) ([]byte, error) {
	for {
		state, err := s.dir.Lookup(page)
		if err != nil {
			return nil, err
		}
		if state.Tag == directory.Local {
			break
		}
		if state.Tag != directory.Unclaimed {
			return nil, errors.Errorf("page %d is %s, not served from here", page, state.Tag)
		}

		claimed, _, err := s.dir.TryClaimLocal(page)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		addr, err := s.region.PageAddr(page)
		if err != nil {
			return nil, err
		}
		if err := s.installer.ZeroPage(addr); err != nil {
			return nil, errors.Wrapf(err, "materializing unclaimed page %d", page)
		}
		break
	}

	mem, err := s.region.Page(page)
	if err != nil {
		return nil, err
	}
	// snapshot the bytes; the guest may keep writing its own page
	data := make([]byte, len(mem))
	copy(data, mem)

	if peer != transport.PeerUnknown {
		s.heat.RecordServeHit(page, peer, time.Now())
	}
	return data, nil
}

// InstallPage installs a pushed page and takes ownership of it. The bytes
// go through the fault facility's copy primitive so that threads already
// faulting on the page are woken; if the page is resident from an earlier
// fetch the copy degrades to a wake and the resident bytes stand (they
// are identical while ownership transfer is push-driven).
func (s *pageStore) InstallPage(peer uint32, page uint64, data []byte) error {
	addr, err := s.region.PageAddr(page)
	if err != nil {
		return err
	}
	if err := s.installer.CopyPage(addr, data); err != nil {
		return errors.Wrapf(err, "installing pushed page %d", page)
	}
	if err := s.dir.MarkLocal(page); err != nil {
		return err
	}
	log.Debug("installed pushed page %d from peer %d", page, peer)
	return nil
}
