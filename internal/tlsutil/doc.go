// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

// Package tlsutil 集中提供 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 供 HTTPS 服务端、OpenAI 兼容 Provider 的 HTTP 客户端与 Redis 连接复用。
package tlsutil
