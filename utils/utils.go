// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides helpers for handling sensitive buffers.
package utils

import "crypto/subtle"

// ExplicitBzero explicitly clears out the buffer b by filling it with 0x00
// bytes.  Unlike letting a buffer fall out of scope, this guarantees the
// key material is overwritten before the memory is reused.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CtIsZero returns true iff the buffer b consists solely of 0x00 bytes,
// in constant time.
func CtIsZero(b []byte) bool {
	var sum byte
	for _, v := range b {
		sum |= v
	}
	return subtle.ConstantTimeByteEq(sum, 0) == 1
}
