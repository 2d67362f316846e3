/*
Copyright 2024 The Datum Authors.

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

package mtls

import (
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Pinner records the expected certificate fingerprints per service key.
// Services without pins are allowed by default; a service may carry several
// pins at once so certificates can rotate without a window of rejection.
//
// Pins are normally loaded once at startup; the lock makes concurrent
// verification during a load safe regardless.
type Pinner struct {
	lock sync.RWMutex
	pins map[string]sets.String
}

// NewPinner returns a pinner with no pins, which allows everything.
func NewPinner() *Pinner {
	return &Pinner{pins: map[string]sets.String{}}
}

// AddPin records an expected fingerprint for the service key. Fingerprints
// compare case-insensitively; storage is lowercase.
func (p *Pinner) AddPin(serviceKey, fingerprint string) {
	fingerprint = strings.ToLower(fingerprint)

	p.lock.Lock()
	defer p.lock.Unlock()

	set, ok := p.pins[serviceKey]
	if !ok {
		set = sets.NewString()
		p.pins[serviceKey] = set
	}
	set.Insert(fingerprint)
}

// Verify reports whether the fingerprint is acceptable for the service.
// A service with no recorded pins accepts any fingerprint.
func (p *Pinner) Verify(serviceKey, fingerprint string) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()

	set, ok := p.pins[serviceKey]
	if !ok || set.Len() == 0 {
		return true
	}
	return set.Has(strings.ToLower(fingerprint))
}

// PinCount returns the number of pins recorded for the service.
func (p *Pinner) PinCount(serviceKey string) int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.pins[serviceKey].Len()
}
