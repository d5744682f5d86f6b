// Package config 提供 FlowRun 的配置管理功能。
//
// 包含配置加载（默认值 → YAML 文件 → 环境变量）、默认值、校验，
// 以及进程级 RuntimeConfig（只能在启动时应用一次）和执行模式参数表。
package config
