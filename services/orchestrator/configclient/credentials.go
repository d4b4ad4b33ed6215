// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file holds decrypted third-party API keys in mlocked memory so they
// never reach swap. Keys are sealed in memguard enclaves between uses; a
// caller opens the enclave, uses the plaintext, and the locked buffer is
// destroyed on return.

package configclient

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the minimum mlock limit required to seal credentials
// in locked memory. Below this the vault falls back to plain process
// memory when ALEUTIAN_INSECURE_MEMORY=true, and refuses otherwise.
const MinMlockLimitKB = 64

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// Credential is one decrypted third-party API credential.
//
// # Description
//
// The key material lives in a memguard enclave, never as a plain string
// field. Use WithKey to access the plaintext for the duration of a call;
// the locked buffer is wiped when the callback returns.
//
// # Thread Safety
//
// Safe for concurrent use. Enclave opens are independent.
type Credential struct {
	Service     string
	EndpointURL string
	RateLimit   float64
	FetchedAt   time.Time

	sealed *memguard.Enclave

	// insecure holds the key in plain memory when mlock is unavailable
	// and the operator has opted in via ALEUTIAN_INSECURE_MEMORY.
	insecure string
}

func newCredential(service, apiKey, endpointURL string, rateLimit float64) *Credential {
	initMemguard()

	cred := &Credential{
		Service:     service,
		EndpointURL: endpointURL,
		RateLimit:   rateLimit,
		FetchedAt:   time.Now(),
	}
	if mlockSufficient {
		cred.sealed = memguard.NewEnclave([]byte(apiKey))
	} else {
		slog.Warn("SECURITY: Storing credential in plain memory - mlock limit insufficient",
			"service", service,
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		cred.insecure = apiKey
	}
	return cred
}

// WithKey opens the sealed credential and passes the plaintext to fn. The
// plaintext is wiped when fn returns; fn must not retain it.
func (c *Credential) WithKey(fn func(key string) error) error {
	if c.sealed == nil {
		return fn(c.insecure)
	}
	buf, err := c.sealed.Open()
	if err != nil {
		return fmt.Errorf("failed to open sealed credential for %s: %w", c.Service, err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// =============================================================================
// Vault
// =============================================================================

// credentialVault caches credentials per service name.
type credentialVault struct {
	mu    sync.Mutex
	creds map[string]*Credential
}

func newCredentialVault() *credentialVault {
	return &credentialVault{creds: make(map[string]*Credential)}
}

func (v *credentialVault) get(service string) *Credential {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.creds[service]
}

func (v *credentialVault) put(service string, cred *Credential) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[service] = cred
}

// destroy purges all memguard-held key material. Enclave buffers are
// session-keyed, so purging the session invalidates every sealed key.
func (v *credentialVault) destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.creds) == 0 {
		return
	}
	v.creds = make(map[string]*Credential)
	memguard.Purge()
	slog.Info("Purged credential vault")
}

// =============================================================================
// Memguard Initialization
// =============================================================================

// initMemguard performs one-time memguard setup and checks whether the
// process mlock limit can hold sealed credentials.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure credential memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else if os.Getenv("ALEUTIAN_INSECURE_MEMORY") != "true" {
			slog.Error("mlock limit insufficient for sealed credentials",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"help", "Raise RLIMIT_MEMLOCK or set ALEUTIAN_INSECURE_MEMORY=true",
			)
		}
	})
}

// checkMlockLimit queries the kernel mlock resource limit. A limit of -1
// means unlimited.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}
