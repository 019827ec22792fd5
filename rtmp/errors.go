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

import "errors"

var (
	ErrConnectionClosed      = errors.New("connection closed")
	ErrUnsupportedEncryption = errors.New("rtmpe encryption requested but not supported")
	ErrMissingPriorHeader    = errors.New("non-full chunk header without a prior header on the channel")
	ErrMessageTooLarge       = errors.New("message exceeds 24 bit size field")
	ErrStreamNotFound        = errors.New("stream not found")
	ErrBadName               = errors.New("stream name already published")
	ErrNotSeekable           = errors.New("stream is not seekable")
	ErrUnknownEvent          = errors.New("unknown event")
	ErrHandlerArity          = errors.New("handler has the wrong number of parameters")
	ErrInvalidConfig         = errors.New("invalid configuration")
)
