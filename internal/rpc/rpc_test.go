// Copyright 2024 The opcodescan Authors
// This file is part of the opcodescan library.
//
// The opcodescan library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The opcodescan library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the opcodescan library. If not, see <http://www.gnu.org/licenses/>.

package rpc

import (
	"errors"
	"testing"
)

func TestIsRateLimited(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("context deadline exceeded"), false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("json-rpc error -32005: request rate limited"), true},
	}
	for _, c := range cases {
		if got := isRateLimited(c.err); got != c.want {
			t.Errorf("isRateLimited(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestHTTPClientRejectsSubscription(t *testing.T) {
	c := &HTTPClient{}
	_, _, err := c.SubscribeHeads(nil) //nolint:staticcheck // nil Context is fine: the call short-circuits before using it
	if err == nil {
		t.Fatalf("expected HTTP client to reject head subscription")
	}
}
