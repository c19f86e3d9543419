/*
Copyright 2025 The Hoard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hashing

import (
	"math/bits"
	"strconv"

	"github.com/pkg/errors"
)

// ParsePHash parses a 16-character hex pHash into its integer form.
func ParsePHash(hex string) (uint64, error) {
	if len(hex) != PHashBits/4 {
		return 0, errors.Errorf("phash %q has length %d, want %d", hex, len(hex), PHashBits/4)
	}
	v, err := strconv.ParseUint(hex, 16, 64)
	return v, errors.Wrapf(err, "parsing phash %q", hex)
}

// Hamming is the primitive distance function: the number of differing bits
// between two hashes.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// HammingHex compares two hex hashes directly.
func HammingHex(a, b string) (int, error) {
	av, err := ParsePHash(a)
	if err != nil {
		return 0, err
	}
	bv, err := ParsePHash(b)
	if err != nil {
		return 0, err
	}
	return Hamming(av, bv), nil
}
