// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
Package main 提供 FlowRun 命令行入口。

# 子命令

  - serve：加载 YAML 配置，启动 HTTP API（可选 HTTPS）、Prometheus 指标与
    OpenTelemetry 导出，收到 SIGINT/SIGTERM 后优雅关闭
  - run：本地执行工作流定义，结果以 JSON 输出到 stdout，工作流失败时退出码为 1
  - validate：校验定义（环检测）并按拓扑顺序打印节点
  - migrate：数据库迁移（up、down、steps、goto、force、status 等）
  - health：请求运行中服务的 /health
  - version：打印构建信息，Version、BuildTime、GitCommit 通过 ldflags 注入
*/
package main
