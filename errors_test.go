// Copyright 2015 Google Inc. All Rights Reserved.
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

package daemonfs

import (
	"testing"

	"github.com/jacobsa/daemonfs/internal/wire"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"golang.org/x/sys/unix"
)

func TestErrors(t *testing.T) { RunTests(t) }

type RemoteErrorTest struct {
}

func init() { RegisterTestSuite(&RemoteErrorTest{}) }

func (t *RemoteErrorTest) ErrorStringIncludesDomainMessageAndCode() {
	err := newRemoteError(&wire.RemoteError{
		Domain:  "org.daemonfs.Error",
		Code:    3,
		Message: "disk on fire",
	})

	ExpectThat(err.Error(), HasSubstr("org.daemonfs.Error"))
	ExpectThat(err.Error(), HasSubstr("disk on fire"))
	ExpectThat(err.Error(), HasSubstr("3"))
}

func (t *RemoteErrorTest) ErrnoKnownDomainAndCode() {
	err := newRemoteError(&wire.RemoteError{
		Domain: "org.daemonfs.Error",
		Code:   2,
	})

	errno, ok := err.Errno()
	AssertTrue(ok)
	ExpectEq(unix.ENOENT, errno)
}

func (t *RemoteErrorTest) ErrnoUnknownDomain() {
	err := newRemoteError(&wire.RemoteError{
		Domain: "org.example.SomethingElse",
		Code:   1,
	})

	_, ok := err.Errno()
	ExpectFalse(ok)
}

func (t *RemoteErrorTest) ErrnoUnknownCodeInKnownDomain() {
	err := newRemoteError(&wire.RemoteError{
		Domain: "org.daemonfs.Error",
		Code:   999,
	})

	_, ok := err.Errno()
	ExpectFalse(ok)
}
