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

package merr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrDeviceNotConnected("dev-1")
	errors.Wrap(err, "failed to push message")
	s.ErrorIs(err, ErrDeviceNotConnected)
	s.Equal(Code(ErrDeviceNotConnected), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(errUnexpected.errCode, Code(errors.New("plain error")))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newPushError("new error", ErrDeviceNotConnected.errCode, false)
	s.True(sameCodeErr.Is(ErrDeviceNotConnected))
}

func (s *ErrSuite) TestWrap() {
	// Service 相关错误。
	s.ErrorIs(WrapErrServiceNotReady("pushd", "starting"), ErrServiceNotReady)
	s.ErrorIs(WrapErrServiceInternal("never throw out"), ErrServiceInternal)
	s.ErrorIs(WrapErrTooManyRequests(100, "send queue full"), ErrServiceTooManyRequests)

	// Channel 相关错误。
	s.ErrorIs(WrapErrChannelNotStarted("socket-io", "Stopped"), ErrChannelNotStarted)
	s.ErrorIs(WrapErrChannelAlreadyStarted("socket-io", "Running"), ErrChannelAlreadyStarted)
	s.ErrorIs(WrapErrChannelListenFailed("socket-io", "/push", errors.New("busy")), ErrChannelListenFailed)

	// Connection 相关错误。
	s.ErrorIs(WrapErrConnectionNotFound("c1"), ErrConnectionNotFound)
	s.ErrorIs(WrapErrConnectionDuplicated("c1", "duplicate connect"), ErrConnectionDuplicated)
	s.ErrorIs(WrapErrConnectionClosed("c1"), ErrConnectionClosed)

	// Device / store 相关错误。
	s.ErrorIs(WrapErrStoreUnexpectedCount("unregister", 1, 0), ErrStoreUnexpectedCount)
	s.ErrorIs(WrapErrStoreTxnConflict("devices/c1"), ErrStoreTxnConflict)
	s.ErrorIs(WrapErrIoKeyNotFound("devices/c1"), ErrIoKeyNotFound)
	s.ErrorIs(WrapErrIoFailed("devices/c1", errors.New("disk full")), ErrIoFailed)
	s.Nil(WrapErrIoFailed("devices/c1", nil))

	// Parameter 相关错误。
	s.ErrorIs(WrapErrParameterInvalid("string", "int"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidMsg("bad store type %s", "redis"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("userId"), ErrParameterMissing)
	s.ErrorIs(WrapErrOperationNotSupported("hard-delete"), ErrOperationNotSupported)
}

func (s *ErrSuite) TestWrapKeepsCause() {
	cause := errors.New("etcd unavailable")

	err := WrapErrChannelReconcileFailed("socket-io", cause)
	s.ErrorIs(err, ErrChannelReconcileFailed)
	s.ErrorIs(err, cause)
	s.True(IsRetryableErr(err))
	s.Contains(err.Error(), "etcd unavailable")

	err = WrapErrStoreWriteFailed("create", cause)
	s.ErrorIs(err, ErrStoreWriteFailed)
	s.ErrorIs(err, cause)

	err = WrapErrDeliveryFailed("dev-1", WrapErrConnectionClosed("dev-1"))
	s.ErrorIs(err, ErrDeliveryFailed)
	s.ErrorIs(err, ErrConnectionClosed)
	s.False(IsRetryableErr(err))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
	s.Nil(Combine(nil, nil))
	s.ErrorIs(Combine(nil, errThird), errThird)
}

func (s *ErrSuite) TestErrorType() {
	err := WrapErrAsInputError(ErrParameterInvalid)
	s.Equal(InputError, GetErrorType(err))
	s.Equal(SystemError, GetErrorType(ErrIoFailed))
	s.Equal("input_error", InputError.String())
}

func (s *ErrSuite) TestCanceledOrTimeout() {
	s.True(IsCanceledOrTimeout(context.Canceled))
	s.True(IsCanceledOrTimeout(errors.Wrap(context.DeadlineExceeded, "store call")))
	s.False(IsCanceledOrTimeout(ErrIoFailed))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
