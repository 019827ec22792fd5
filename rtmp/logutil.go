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
	"fmt"

	"github.com/kris-nova/logger"
)

type messageOperator string

const (
	opRx       messageOperator = "[← 💻  ]"
	opTx       messageOperator = "[  💻 →]"
	opAck      messageOperator = "[  ✨  ]"
	opHs       messageOperator = "[  🤝  ]"
	opPub      messageOperator = "[  📝  ]"
	opPlay     messageOperator = "[  ⏯  ]"
	opConn     messageOperator = "[  📶  ]"
	opStream   messageOperator = "[→ 🌊 →]"
	opFork     messageOperator = "[← 🍴 →]"
	opWarn     messageOperator = "[  ⚠  ]"
	opDanger   messageOperator = "[  🧨  ]"
	opStart    messageOperator = "[  ⏱  ]"
	opStop     messageOperator = "[  ⏹  ]"
	opSeek     messageOperator = "[  ⏩  ]"
	opListen   messageOperator = "[  🙉  ]"
	opServe    messageOperator = "[  🍽  ]"
	opNew      messageOperator = "[  🆕  ]"
	opRecord   messageOperator = "[  💾  ]"
	opAnnounce messageOperator = "[  📣  ]"
)

// rtmpMessage formats a protocol log line with an operator
func rtmpMessage(msg string, op messageOperator) string {
	return fmt.Sprintf("[rtmp] %s (%s)", op, msg)
}

// rtmpConnMessage formats a protocol log line scoped to one connection
func rtmpConnMessage(uid string, msg string, op messageOperator) string {
	return fmt.Sprintf("[rtmp.conn %s] %s (%s)", uid, op, msg)
}

// traceMessages enables per message rx/tx logging.
var traceMessages bool

// SetTrace toggles per message traffic logging.
func SetTrace(on bool) {
	traceMessages = on
}

func traceMessage(uid string, msg *Message, op messageOperator) {
	if !traceMessages {
		return
	}
	logger.Debug(rtmpConnMessage(uid, msg.String(), op))
}
