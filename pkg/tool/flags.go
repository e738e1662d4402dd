// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"fmt"
	"strings"
)

// EnvFlag allows passing a list of KEY=VALUE environment variables to the
// same flag, either comma-separated or by repeating the flag.
type EnvFlag []string

// String correctly converts the flag values into a string which is required to
// parse them afterwards.
func (env *EnvFlag) String() string {
	return fmt.Sprint(*env)
}

// Set is used by flag.Parse to correctly parse the command line arguments.
func (env *EnvFlag) Set(value string) error {
	for _, kv := range strings.Split(value, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		if key, _, found := strings.Cut(kv, "="); !found || key == "" {
			return fmt.Errorf("malformed environment variable %q, expect KEY=VALUE", kv)
		}
		*env = append(*env, kv)
	}
	return nil
}

// Map splits the accumulated KEY=VALUE pairs into a map.
// Later values override earlier ones for the same key.
func (env EnvFlag) Map() map[string]string {
	if len(env) == 0 {
		return nil
	}
	m := make(map[string]string, len(env))
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		m[key] = value
	}
	return m
}
