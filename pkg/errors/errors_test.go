// Copyright 2026 fanjia1024
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

package errors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrap(err, "context")
	if wrapped == nil {
		t.Fatal("Wrap(err, msg) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "format %s", "x") != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrapf(err, "id=%s", "a")
	if wrapped == nil {
		t.Fatal("Wrapf(err, ...) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestSentinels(t *testing.T) {
	if !errors.Is(ErrNotFound, ErrNotFound) {
		t.Error("ErrNotFound should be Is ErrNotFound")
	}
	if !errors.Is(ErrInvalidArg, ErrInvalidArg) {
		t.Error("ErrInvalidArg should be Is ErrInvalidArg")
	}
}

func TestKernelError_CodeThroughWrapping(t *testing.T) {
	base := errors.New("runtime factory returned nil")
	err := WithCode(CodeInitializationFailed, "initialize", base)
	wrapped := Wrap(err, "kernel t1:j1")

	if got := CodeOf(wrapped); got != CodeInitializationFailed {
		t.Fatalf("CodeOf = %q, want %q", got, CodeInitializationFailed)
	}
	if !IsCode(wrapped, CodeInitializationFailed) {
		t.Error("IsCode should see the code through fmt wrapping")
	}
	if IsCode(wrapped, CodeContextCorruption) {
		t.Error("IsCode must not match a different code")
	}
	if !errors.Is(wrapped, base) {
		t.Error("KernelError should unwrap to its cause")
	}
	if WithCode(CodeOperationTimeout, "pause", nil) != nil {
		t.Error("WithCode(nil) should return nil")
	}
}

func TestKernelError_Message(t *testing.T) {
	err := Newf(CodeContextCorruption, "resume", "snapshot %s not found", "abc")
	want := "[KERNEL_CONTEXT_CORRUPTION] resume: snapshot abc not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain errors carry no code")
	}
}

func TestOutcome(t *testing.T) {
	if Ok("cleanup").IsFailure() {
		t.Error("Ok outcome reported failure")
	}
	o := Failed("cleanup", errors.New("boom"))
	if !o.IsFailure() || o.Op != "cleanup" {
		t.Errorf("unexpected outcome %+v", o)
	}
}
