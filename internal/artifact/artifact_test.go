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

package artifact

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNamespacesDoNotCollide(t *testing.T) {
	s := openTestStore(t)
	key := []byte{0xaa, 0xbb}

	if err := s.Put(NamespaceInitCode, key, []byte("init")); err != nil {
		t.Fatalf("put init code: %v", err)
	}
	if err := s.Put(NamespaceContract, key, []byte("runtime")); err != nil {
		t.Fatalf("put contract: %v", err)
	}

	got, ok, err := s.Get(NamespaceInitCode, key)
	if err != nil || !ok {
		t.Fatalf("get init code: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("init")) {
		t.Errorf("init code = %q, want %q", got, "init")
	}

	got, ok, err = s.Get(NamespaceContract, key)
	if err != nil || !ok {
		t.Fatalf("get contract: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("runtime")) {
		t.Errorf("contract = %q, want %q", got, "runtime")
	}
}

func TestOverwriteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	key := []byte{0x01}

	if err := s.PutContract(key, []byte("v1")); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := s.PutContract(key, []byte("v1")); err != nil {
		t.Fatalf("put v1 again: %v", err)
	}
	got, ok, err := s.Get(NamespaceContract, key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Errorf("contract = %q, want %q", got, "v1")
	}
}

func TestMissingKey(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(NamespaceTxContract, []byte("missing"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Errorf("expected missing key to report ok=false")
	}
}
