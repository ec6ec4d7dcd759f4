// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package conc

import (
	"runtime"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	pool := NewPool[any](0)
	defer pool.Release()

	taskNum := runtime.NumCPU() * 2
	futures := make([]*Future[any], 0, taskNum)
	for i := 0; i < taskNum; i++ {
		res := i
		future := pool.Submit(func() (any, error) {
			return res, nil
		})
		futures = append(futures, future)
	}

	require.NoError(t, AwaitAll(futures...))
	for i, future := range futures {
		res, err := future.Await()
		assert.NoError(t, err)
		assert.Equal(t, i, res.(int))
		assert.True(t, future.OK())
		assert.NoError(t, future.Err())
	}
}

func TestPoolError(t *testing.T) {
	pool := NewPool[int](2)
	defer pool.Release()

	errBoom := errors.New("boom")
	future := pool.Submit(func() (int, error) {
		return 0, errBoom
	})
	assert.ErrorIs(t, future.Err(), errBoom)
	assert.False(t, future.OK())
	assert.ErrorIs(t, AwaitAll(future), errBoom)
}

func TestPoolConcealPanic(t *testing.T) {
	pool := NewPool[struct{}](1, WithConcealPanic(true))
	defer pool.Release()

	future := pool.Submit(func() (struct{}, error) {
		panic("store exploded")
	})
	<-future.Inner()
	assert.Error(t, future.Err())

	// 协程池在任务 panic 后仍可继续使用。
	next := pool.Submit(func() (struct{}, error) {
		return struct{}{}, nil
	})
	assert.True(t, next.OK())
}

func TestPoolExpiryDuration(t *testing.T) {
	pool := NewPool[int](2, WithName("expiry"), WithExpiryDuration(10*time.Millisecond))
	defer pool.Release()

	assert.Equal(t, 7, pool.Submit(func() (int, error) { return 7, nil }).Value())
	// 空闲 worker 被回收后仍可继续提交
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 8, pool.Submit(func() (int, error) { return 8, nil }).Value())
}

func TestPoolReleased(t *testing.T) {
	pool := NewPool[int](1)
	pool.Release()

	future := pool.Submit(func() (int, error) { return 1, nil })
	<-future.Inner()
	assert.Error(t, future.Err())
}

func TestGo(t *testing.T) {
	future := Go(func() (string, error) {
		return "done", nil
	})
	value, err := future.Await()
	assert.NoError(t, err)
	assert.Equal(t, "done", value)
}
