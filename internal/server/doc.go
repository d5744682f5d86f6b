// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
包 server 提供 FlowRun 的 HTTP API 与服务器生命周期管理。

# 概述

Manager 封装 net/http.Server，负责监听、HTTP/HTTPS 启动、
优雅关闭与 SIGINT/SIGTERM 信号处理。NewHandler 基于 Go 1.22
路由模式构建 API，并套上统一的中间件链。

# 路由

  - GET  /health, /healthz：熔断器状态与运行时长，熔断打开时返回 503
  - GET  /ready：检查数据库与 Redis 依赖
  - GET  /version：构建信息
  - GET  /metrics：Prometheus 指标
  - GET  /v1/stats：执行器、客户端、批处理与阻塞池统计
  - POST /v1/executions：提交并同步执行工作流定义（JSON 或 YAML）
  - GET  /v1/executions, /v1/executions/{id}：执行历史

# 中间件

Recovery、RequestID、SecurityHeaders、Tracing（OpenTelemetry）、
Metrics 与 RequestLogger，按此顺序由外到内执行。

# 错误响应

错误统一写为 Response 信封，types.ErrorCode 映射为 HTTP 状态码，
图结构错误返回 400，未知执行返回 404。
*/
package server
