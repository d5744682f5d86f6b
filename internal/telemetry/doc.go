// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化，为调度器与弹性客户端的
// span 提供 TracerProvider 和 MeterProvider。禁用时保持全局 noop 实现，
// 不连接任何外部服务。
package telemetry
