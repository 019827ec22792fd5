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
	"encoding/binary"
	"fmt"

	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/kris-nova/logger"
)

/*
   Aggregate sub message layout

   +--------+----------+----------+-------------+------------+---------------+
   | type 1 |  size 3  |  time 4  | streamId 4  | data size  | backpointer 4 |
   +--------+----------+----------+-------------+------------+---------------+

   streamId is little endian, everything else big endian.
*/
const aggregateHeaderLen = 12

// unpackAggregate splits an AGGREGATE message into its sub messages. A
// backpointer that disagrees with the sub message size is logged only. A
// truncated trailer ends the unpacking.
func unpackAggregate(msg *Message) []*Message {
	var out []*Message
	data := msg.Data
	for len(data) > 0 {
		if len(data) < aggregateHeaderLen {
			logger.Warning(rtmpMessage(fmt.Sprintf("aggregate truncated header, %d bytes left", len(data)), opWarn))
			break
		}
		subType := data[0]
		subSize := pio.U24BE(data[1:4])
		subTime := pio.U32BE(data[4:8])
		subStream := binary.LittleEndian.Uint32(data[8:12])
		data = data[aggregateHeaderLen:]
		if uint32(len(data)) < subSize {
			logger.Warning(rtmpMessage(fmt.Sprintf("aggregate truncated payload, want %d have %d", subSize, len(data)), opWarn))
			break
		}
		sub := &Message{
			Channel:  msg.Channel,
			Type:     subType,
			StreamID: subStream,
			Time:     subTime,
			Data:     data[:subSize:subSize],
		}
		out = append(out, sub)
		data = data[subSize:]
		if len(data) < 4 {
			logger.Warning(rtmpMessage("aggregate missing backpointer", opWarn))
			break
		}
		if bp := pio.U32BE(data[:4]); bp != subSize {
			logger.Warning(rtmpMessage(fmt.Sprintf("aggregate backpointer=%d != size=%d", bp, subSize), opWarn))
		}
		data = data[4:]
	}
	return out
}
