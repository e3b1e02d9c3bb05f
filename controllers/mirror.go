/*


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

package controllers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbliao/stupidlb/pkg/driver"
	"github.com/jbliao/stupidlb/pkg/inventory"
	"github.com/jbliao/stupidlb/pkg/pool"
)

// MirrorSyncer periodically makes the external IPAM match the cluster.
type MirrorSyncer struct {
	Driver   driver.Driver
	Scanner  *inventory.Scanner
	Pool     *pool.Pool
	Interval time.Duration
	Log      logr.Logger
}

// Start implements manager.Runnable.
func (m *MirrorSyncer) Start(ctx context.Context) error {
	m.Log.Info("starting external IPAM sync", "interval", m.Interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := m.SyncOnce(ctx); err != nil {
			m.Log.Error(err, "external IPAM sync failed")
		}
	}, m.Interval)
	return nil
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (m *MirrorSyncer) NeedLeaderElection() bool {
	return true
}

// SyncOnce records every claimed pool address and releases stale records.
func (m *MirrorSyncer) SyncOnce(ctx context.Context) error {
	snap, err := m.Scanner.Scan(ctx, nil)
	if err != nil {
		return err
	}
	return driver.Sync(ctx, m.Driver, snap, m.Pool.Contains, m.Log)
}
