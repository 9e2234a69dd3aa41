// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"net/http"

	"github.com/awnumar/memguard"
)

// SealedKey keeps a provider API key encrypted in guarded memory.
//
// Description:
//
//	The key is only decrypted for the duration of a single outbound request
//	and the plaintext buffer is destroyed right after the header is set.
//	It never appears in a config struct, a log line or a core dump.
//
// Thread Safety: Safe for concurrent use. memguard enclaves are immutable.
type SealedKey struct {
	enclave *memguard.Enclave
}

// SealKey moves key into an encrypted enclave.
//
// Outputs:
//   - *SealedKey: The sealed key.
//   - error: ErrMissingAPIKey if key is empty.
func SealKey(key string) (*SealedKey, error) {
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	// NewEnclave wipes the slice it is given.
	return &SealedKey{enclave: memguard.NewEnclave([]byte(key))}, nil
}

// withKey decrypts the key, hands it to fn and destroys the plaintext.
func (k *SealedKey) withKey(fn func(key string)) error {
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("open sealed key: %w", err)
	}
	defer buf.Destroy()
	fn(buf.String())
	return nil
}

// Transport returns an http.RoundTripper that injects the key as a bearer
// token into every request sent through base (http.DefaultTransport if nil).
func (k *SealedKey) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &bearerTransport{key: k, base: base}
}

type bearerTransport struct {
	key  *SealedKey
	base http.RoundTripper
}

// RoundTrip implements http.RoundTripper. The caller's request is not mutated.
func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if err := t.key.withKey(func(key string) {
		out.Header.Set("Authorization", "Bearer "+key)
	}); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(out)
}
