// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name     string `yaml:"name"`
	MinSize  int    `yaml:"min_size"`
	MaxSize  int    `yaml:"max_size"`
	Unpooled bool   `yaml:"unpooled,omitempty"`
	Closed   bool   `yaml:"closed,omitempty"`

	// Open counts idle, in-use and opening connections.
	Open    int `yaml:"open"`
	Idle    int `yaml:"idle"`
	InUse   int `yaml:"in_use"`
	Opening int `yaml:"opening"`
	Waiting int `yaml:"waiting"`

	// NonPooled counts connections handed out in unpooled mode.
	NonPooled int64 `yaml:"non_pooled,omitempty"`

	HardConnects    int64 `yaml:"hard_connects"`
	HardDisconnects int64 `yaml:"hard_disconnects"`
	SoftConnects    int64 `yaml:"soft_connects"`
	SoftDisconnects int64 `yaml:"soft_disconnects"`
	WaitCount       int64 `yaml:"wait_count"`
	ExhaustedCount  int64 `yaml:"exhausted_count"`
}

// Stats returns the pool's current counts.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Name:     p.name,
		MinSize:  p.config.MinSize,
		MaxSize:  p.config.MaxSize,
		Unpooled: p.config.Unpooled,
		Closed:   p.closed,
		Open:     p.open,
		Idle:     p.idle.Len(),
		InUse:    p.inUse,
		Opening:  p.opening,
		Waiting:  p.wait.waiting(),
	}
	p.mu.Unlock()

	s.NonPooled = p.unpooledOpen.Load()
	s.HardConnects = p.stats.hardConnects.Load()
	s.HardDisconnects = p.stats.hardDisconnects.Load()
	s.SoftConnects = p.stats.softConnects.Load()
	s.SoftDisconnects = p.stats.softDisconnects.Load()
	s.WaitCount = p.stats.waits.Load()
	s.ExhaustedCount = p.stats.exhausted.Load()
	return s
}
