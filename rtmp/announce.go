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
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/kris-nova/logger"
)

// Announcer tells the outside world which live streams this server carries.
type Announcer interface {
	Announce(path, name string) error
	Withdraw(path, name string) error
}

// RedisAnnouncer keeps one expiring key per live stream in redis. The
// value is the RTMP address the stream can be played from.
type RedisAnnouncer struct {
	client *redis.Client
	addr   string
	ttl    time.Duration
}

func NewRedisAnnouncer(redisAddr, password string, db int, serverAddr string, ttl time.Duration) (*RedisAnnouncer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %v", redisAddr, err)
	}
	return &RedisAnnouncer{
		client: client,
		addr:   serverAddr,
		ttl:    ttl,
	}, nil
}

func announceKey(path, name string) string {
	return fmt.Sprintf("flashd:stream:%s/%s", path, name)
}

func (a *RedisAnnouncer) Announce(path, name string) error {
	logger.Debug(rtmpMessage(announceKey(path, name), opAnnounce))
	return a.client.Set(announceKey(path, name), a.addr, a.ttl).Err()
}

func (a *RedisAnnouncer) Withdraw(path, name string) error {
	return a.client.Del(announceKey(path, name)).Err()
}

func (a *RedisAnnouncer) Close() error {
	return a.client.Close()
}
