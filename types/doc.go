// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
Package types 提供 FlowRun 全局共享的错误类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。workflow、llm、config 等上层
模块通过统一的 ErrorCode 与 *Error 进行错误分类，从而让重试策略、熔断器
与调度器在不关心具体 Provider 的情况下判断错误是否可重试。

# 核心类型

  - ErrorCode: 错误分类码（NETWORK_ERROR / TIMEOUT / RATE_LIMIT 等）
  - Error: 结构化错误，携带 HTTP 状态码、Retryable 与 Provider 标记

# 主要能力

  - Classify：将任意 error（context、net.Error、HTTP 状态）归类为 ErrorCode
  - IsRetryable / CodeOf：沿 errors.As 链提取分类信息
  - IsClientError：识别不应计入熔断失败的客户端错误
*/
package types
