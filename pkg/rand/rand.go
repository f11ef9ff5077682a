// Copyright 2025 The tcpsock Authors.
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

//go:build !linux
// +build !linux

// Package rand implements a cryptographically secure pseudorandom number
// generator.
package rand

import (
	"crypto/rand"
	"io"
)

// Reader is the default reader.
var Reader io.Reader = rand.Reader

// Read reads from the default reader.
func Read(b []byte) (int, error) {
	return io.ReadFull(Reader, b)
}

// Uint32 returns a random uint32 from the default reader.
//
// It panics if the platform random source is unavailable; secure seeds are
// not optional.
func Uint32() uint32 {
	var b [4]byte
	if _, err := Read(b[:]); err != nil {
		panic(err)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
