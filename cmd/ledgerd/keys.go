package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"batchledger/internal/disclosure"
	"batchledger/internal/groupsig"
)

// keyFile holds the validator signing keys and the opening key between restarts.
type keyFile struct {
	Validators []validatorKey     `json:"validators"`
	Opener     disclosure.Scalar `json:"opener"`
}

type validatorKey struct {
	ID     string            `json:"id"`
	Secret disclosure.Scalar `json:"secret"`
}

// loadOrCreateKeys reads the key file at path, or generates count validator keys and an
// opening key and writes them there with owner-only permissions.
func loadOrCreateKeys(path string, count int) (*keyFile, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("failed to decode key file %s: %w", path, err)
		}
		if len(kf.Validators) != count {
			return nil, fmt.Errorf("key file %s holds %d validators, configuration wants %d", path, len(kf.Validators), count)
		}
		return &kf, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	kf := &keyFile{Validators: make([]validatorKey, count)}
	for i := range kf.Validators {
		kp, err := groupsig.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		kf.Validators[i] = validatorKey{ID: fmt.Sprintf("bank-%02d", i), Secret: disclosure.Scalar{Element: kp.Secret}}
	}
	opener, err := groupsig.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kf.Opener = disclosure.Scalar{Element: opener.Secret}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	out, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return kf, nil
}

// loadOrDeal reads the escrow dealing from dir. When dir has no commitments yet, a fresh
// dealing is written there first.
func loadOrDeal(dir string, p disclosure.Policy) (*disclosure.Dealing, error) {
	d, err := readDealing(dir, p)
	if !errors.Is(err, fs.ErrNotExist) {
		return d, err
	}
	if d, err = disclosure.Deal(p); err != nil {
		return nil, fmt.Errorf("deal escrow key: %w", err)
	}
	if err := writeDealing(dir, d); err != nil {
		return nil, err
	}
	return d, nil
}

// readDealing reads the commitments and whatever share files dir holds. Every share found
// must match the commitments.
func readDealing(dir string, p disclosure.Policy) (*disclosure.Dealing, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "commitments.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read commitments: %w", err)
	}
	d := &disclosure.Dealing{}
	if err := json.Unmarshal(raw, &d.Commitments); err != nil {
		return nil, fmt.Errorf("failed to decode commitments: %w", err)
	}
	for _, role := range append([]string{disclosure.Custodian}, p.OversightRoles...) {
		data, err := os.ReadFile(filepath.Join(dir, role+".share.json"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s share: %w", role, err)
		}
		var s disclosure.KeyShare
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to decode %s share: %w", role, err)
		}
		if !d.Commitments.VerifyShare(s) {
			return nil, fmt.Errorf("%s share in %s does not match the commitments", role, dir)
		}
		d.Shares = append(d.Shares, s)
	}
	return d, nil
}
