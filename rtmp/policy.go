// Copyright © 2021 Kris Nóva <kris@nivenly.com>
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
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ███████╗██╗      █████╗ ███████╗██╗  ██╗██████╗
//  ██╔════╝██║     ██╔══██╗██╔════╝██║  ██║██╔══██╗
//  █████╗  ██║     ███████║███████╗███████║██║  ██║
//  ██╔══╝  ██║     ██╔══██║╚════██║██╔══██║██║  ██║
//  ██║     ███████╗██║  ██║███████║██║  ██║██████╔╝
//  ╚═╝     ╚══════╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═════╝
//
// ────────────────────────────────────────────────────────────────────────────

package rtmp

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/kris-nova/logger"
)

var policyFileRequest = []byte("<policy-file-request/>\x00")

// errPolicyServed ends a connection that only asked for the policy file.
var errPolicyServed = errors.New("cross domain policy served")

const crossDomainPolicy = `<!DOCTYPE cross-domain-policy SYSTEM "http://www.macromedia.com/xml/dtds/cross-domain-policy.dtd">
<cross-domain-policy>
  <allow-access-from domain="*" to-ports="%d" secure='false'/>
</cross-domain-policy>`

// serveCrossDomainPolicy answers a Flash policy file request. Anything else
// is pushed back onto the channel for the handshake.
func serveCrossDomainPolicy(ch *ByteChannel, port int) error {
	data, err := ch.Read(len(policyFileRequest))
	if err != nil {
		return err
	}
	if !bytes.Equal(data, policyFileRequest) {
		ch.Unread(data)
		return nil
	}
	logger.Debug(rtmpMessage(fmt.Sprintf("policy file request port=%d", port), opServe))
	if err := ch.Write([]byte(fmt.Sprintf(crossDomainPolicy, port))); err != nil {
		return err
	}
	return errPolicyServed
}
