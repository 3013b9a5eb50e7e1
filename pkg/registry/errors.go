/*
 * Copyright 2026 GPUFleet Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package registry

import "errors"

var (
	// ErrAlreadyRegistered reports a second login for a client ID that
	// already has a live session.
	ErrAlreadyRegistered = errors.New("client already registered")
	// ErrNotFound reports an operation on a client ID with no session.
	ErrNotFound = errors.New("client not registered")
	// ErrDeviceBusy reports that a device's writer was held by another
	// sender at dispatch time.
	ErrDeviceBusy = errors.New("device busy")
	// ErrNoAvailableDevice reports that no registered device satisfied the
	// selection criteria.
	ErrNoAvailableDevice = errors.New("no available device")
)
