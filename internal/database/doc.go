// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库接入：按驱动打开连接、连接池管理，
以及工作流执行历史的持久化存储。

# 概述

Open 根据 config.DatabaseConfig 选择 postgres、mysql 或纯 Go sqlite
（glebarez/sqlite）方言。PoolManager 封装 database/sql 连接池参数，
后台健康检查定时探活并通过 StatsReporter 上报连接数。HistoryStore
实现 workflow.HistoryStore，将执行记录与节点记录写入两张表。

# 核心类型

  - PoolManager：连接池管理器，提供 DB()、Ping()、Stats()、Close()
    与事务辅助方法 WithTransaction / WithTransactionRetry。
  - PoolConfig：连接池配置，可由 PoolConfigFromConfig 从全局配置派生。
  - HistoryStore：GORM 执行历史存储，Save 在单个事务内 upsert 执行记录
    并整体替换节点记录。

# 表结构

  - flowrun_executions：execution_id 主键，按 workflow_name、status、
    started_at 建索引。
  - flowrun_node_records：按 execution_id 关联，position 保留节点在图中
    的插入顺序。

生产环境使用 internal/migration 的版本化迁移建表，测试与本地开发可调用
HistoryStore.AutoMigrate。
*/
package database
