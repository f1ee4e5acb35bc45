// Copyright 2021 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"bytes"
	"sync"
)

// NewBufferSyncPool returns a pool of bytes.Buffer preallocated to size,
// used by the local and remote session registries' output-forwarding loops
// to recycle the buffer backing each outbound data/ssh_data chunk instead
// of allocating one per read.
func NewBufferSyncPool(size int64) *BufferSyncPool {
	return &BufferSyncPool{
		size: size,
		Pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, size))
			},
		},
	}
}

// BufferSyncPool is a sync.Pool of bytes.Buffer.
type BufferSyncPool struct {
	sync.Pool
	size int64
}

// Put resets buf and returns it to the pool. Callers must not use buf (or
// any slice obtained from Bytes()) after calling Put.
func (b *BufferSyncPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	b.Pool.Put(buf)
}

// Get returns a new or previously recycled buffer.
func (b *BufferSyncPool) Get() *bytes.Buffer {
	return b.Pool.Get().(*bytes.Buffer)
}
