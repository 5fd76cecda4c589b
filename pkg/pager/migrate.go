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
	"context"
	"time"

	"github.com/intel/ssi-pager/pkg/directory"
)

// migrateLoop is the optional placement policy: a locally owned page that
// one peer keeps fetching is pushed to that peer, which then owns it. Off
// by default; the thresholds are configuration.
func (p *Pager) migrateLoop() {
	defer p.wg.Done()

	cfg := p.cfg.Migration
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("migration policy enabled: %d hits in %v", cfg.MinHits, cfg.Window)

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			for _, hot := range p.stats.Heat().HotServedPages(cfg.MinHits, cfg.Window) {
				p.migratePage(hot.Page, hot.Peer)
			}
		}
	}
}

// migratePage pushes one page to its consumer and gives up ownership.
func (p *Pager) migratePage(page uint64, peer uint32) {
	state, err := p.dir.Lookup(page)
	if err != nil || state.Tag != directory.Local {
		return
	}

	mem, err := p.region.Page(page)
	if err != nil {
		return
	}
	data := make([]byte, len(mem))
	copy(data, mem)

	if _, err := p.transport.Push(context.Background(), peer, page, data); err != nil {
		warnLog.Warn("migration push of page %d to peer %d failed: %v", page, peer, err)
		return
	}

	if err := p.dir.MarkRemote(page, peer); err != nil {
		log.Error("failed to mark migrated page %d remote: %v", page, err)
		return
	}
	p.stats.Heat().Forget(page)
	log.Debug("migrated page %d to peer %d", page, peer)
}
