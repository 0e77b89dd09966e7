// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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

package testutils

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// VerifyDeepEqual checks that two values are equal, or else it fails the test
// with a diff of the two.
func VerifyDeepEqual(t *testing.T, valueName string, expected, seen interface{}) bool {
	t.Helper()
	if diff := cmp.Diff(expected, seen); diff != "" {
		t.Errorf("unexpected %s value (-expected +seen):\n%s", valueName, diff)
		return false
	}
	return true
}

// VerifyError checks that err aggregates exactly expectedCount errors, each
// substring appearing somewhere in the result. An expectedCount of zero
// expects no error at all.
func VerifyError(t *testing.T, err error, expectedCount int, expectedSubstrings []string) bool {
	t.Helper()
	if expectedCount == 0 {
		if err != nil {
			t.Errorf("expected no error, got %v", err)
			return false
		}
		return true
	}
	if err == nil {
		t.Errorf("expected %d errors, got nil", expectedCount)
		return false
	}

	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Errorf("expected %d errors, got %#v instead of a multierror", expectedCount, err)
		return false
	}
	if len(merr.Errors) != expectedCount {
		t.Errorf("expected %d errors, got %d: %v", expectedCount, len(merr.Errors), merr)
		return false
	}
	return verifySubstrings(t, err, expectedSubstrings)
}

// VerifyCause checks that err is caused by the given sentinel error and
// mentions all the given substrings.
func VerifyCause(t *testing.T, err, cause error, expectedSubstrings ...string) bool {
	t.Helper()
	if err == nil {
		t.Errorf("expected error caused by %v, got nil", cause)
		return false
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected error caused by %v, got %v", cause, err)
		return false
	}
	return verifySubstrings(t, err, expectedSubstrings)
}

func verifySubstrings(t *testing.T, err error, substrings []string) bool {
	t.Helper()
	ok := true
	for _, s := range substrings {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("expected error with substring %q, got %q", s, err.Error())
			ok = false
		}
	}
	return ok
}
