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
package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	set := NewSet("c1", "c2")
	assert.True(t, set.Contain("c1"))
	assert.True(t, set.Contain("c1", "c2"))
	assert.False(t, set.Contain("c1", "c3"))
	assert.Equal(t, 2, set.Len())

	set.Insert("c2", "c3")
	assert.Equal(t, 3, set.Len())
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, set.Collect())

	cloned := set.Clone()
	set.Remove("c1")
	assert.False(t, set.Contain("c1"))
	assert.True(t, cloned.Contain("c1"))

	visited := 0
	cloned.Range(func(string) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)

	var empty Set[string]
	empty.Remove("c1")
	assert.Equal(t, 0, empty.Len())
}
