// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
包 llm 提供模型服务接入层：Provider 能力接口，以及包裹每一次远程调用的
弹性客户端（重试、熔断、超时、限流）。

# 概述

弹性层与具体厂商无关：ResilientClient 只包裹一个可失败的操作，不会根据
Provider 身份做分支。同一个客户端实例可以被多个调用方共享，熔断器状态与
统计信息均以原子方式更新，读取统计不会阻塞写入方。

# 核心类型

  - [Provider]：Completion / Stream / Embed 三种能力
  - [ResilientClient]：重试 + 熔断 + 单次超时 + 可选限流
  - [Call]：在 ResilientClient 上执行带类型结果的操作
  - [ResilientProvider]：将 Provider 的三种能力全部路由到 ResilientClient
  - [ExecutionStats] / [ClientHealth]：统计快照与健康状态
  - [NewOffloadProvider]：把同步阻塞实现放入有界阻塞线程池执行

# 超时

单次尝试默认 60 秒，本地推理 Provider（实现 [LocalInference] 且返回 true）
默认 180 秒。超时被视为可重试的 TIMEOUT 错误；父 context 取消则返回
CANCELED，不计入熔断失败。
*/
package llm
