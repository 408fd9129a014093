// Copyright 2023 Kami
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

package poller

// newDefaultPoller falls back to the array-scan poll(2) poller on
// platforms without an epoll-style readiness set. Linux gets the
// real readiness-set poller from poller_epoll_linux.go.
func newDefaultPoller() (Poller, error) {
	return newPollPoller()
}
