// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集。

# 概述

Collector 通过 promauto.With 在给定的 Registerer 上注册全部指标，
所有指标按 namespace 隔离。Collector 同时实现 workflow.Observer、
llm.Observer 与 batch.Observer，由引擎在构建时注入各组件。

# 指标

  - 工作流：执行总数（workflow/status）、执行耗时、节点终态计数
    （node_type/status）、节点耗时
  - Provider 调用：尝试次数（client/operation/code）、尝试耗时、
    重试次数、熔断拒绝次数、熔断器状态 Gauge
  - 批处理：批次数（success/partial/failed/incomplete）、条目结果、批次耗时
  - HTTP：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx
  - 数据库：活跃/空闲连接数
*/
package metrics
