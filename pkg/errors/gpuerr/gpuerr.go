// Copyright 2024 The gVisor Authors.
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

// Package gpuerr contains the errors returned by the PMU and FIFO control
// paths. Callers wrap them with fmt.Errorf("...: %w") and match them with
// errors.Is.
package gpuerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gpuctl.dev/gpuctl/pkg/errors"
)

var (
	// ErrInvalidUnit is returned when a PMU unit id is out of range or cannot
	// be resolved for the GPU generation.
	ErrInvalidUnit = errors.New(unix.EINVAL, "invalid PMU unit")

	// ErrInvalidQueue is returned when a command targets a queue that is not
	// a software command queue.
	ErrInvalidQueue = errors.New(unix.EINVAL, "invalid PMU queue")

	// ErrSizeOverflow is returned when a command does not fit its 8-bit
	// header size field or the destination queue.
	ErrSizeOverflow = errors.New(unix.E2BIG, "command size overflow")

	// ErrInvalidPayload is returned for inconsistent command payload
	// descriptors.
	ErrInvalidPayload = errors.New(unix.EINVAL, "invalid command payload")

	// ErrAllocationFailure is returned when first-time setup cannot obtain a
	// resource.
	ErrAllocationFailure = errors.New(unix.ENOMEM, "allocation failure")

	// ErrRPCTimeout is returned when a PMU RPC reply does not arrive in time.
	ErrRPCTimeout = errors.New(unix.ETIMEDOUT, "PMU RPC timed out")

	// ErrRPCFailed is returned when the firmware reports a non-zero status
	// for an RPC.
	ErrRPCFailed = errors.New(unix.EIO, "PMU RPC failed")

	// ErrTimeout is returned when polled hardware does not acknowledge in
	// time.
	ErrTimeout = errors.New(unix.ETIMEDOUT, "timed out")

	// ErrOffsetResolution is returned when a payload field offset cannot be
	// found in the command layout.
	ErrOffsetResolution = errors.New(unix.EINVAL, "payload offset resolution failed")

	// ErrNoDevice is returned for GPU identities without a HAL.
	ErrNoDevice = errors.New(unix.ENODEV, "unsupported GPU")

	// ErrQueueCorrupt is returned when the message queue contains data that
	// cannot be parsed.
	ErrQueueCorrupt = errors.New(unix.EIO, "PMU queue corrupt")

	// ErrBusy is returned when a hardware mutex cannot be acquired.
	ErrBusy = errors.New(unix.EBUSY, "resource busy")

	// ErrNotReady is returned when the PMU has not finished booting.
	ErrNotReady = errors.New(unix.EAGAIN, "PMU not ready")

	// ErrInvalidAperture is returned for memory descriptors with no valid
	// aperture.
	ErrInvalidAperture = errors.New(unix.EINVAL, "invalid aperture")

	// ErrDMEMRange is returned for DMEM accesses that are misaligned or fall
	// outside DMEM.
	ErrDMEMRange = errors.New(unix.EINVAL, "DMEM access out of range")

	// ErrInvalidRunlist is returned for runlist ids that were never added.
	ErrInvalidRunlist = errors.New(unix.EINVAL, "invalid runlist")

	// ErrInvalidMutex is returned for PMU hardware mutex ids out of range or
	// released by a non-owner.
	ErrInvalidMutex = errors.New(unix.EINVAL, "invalid PMU mutex")
)

// ToErrno translates err to the errno of the first *errors.Error in its
// chain. It returns false if there is none.
func ToErrno(err error) (unix.Errno, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	return 0, false
}
