// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
包 migration 管理执行历史表的版本化 Schema 迁移，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中：

  - 000001_create_executions：flowrun_executions 执行记录表
  - 000002_create_node_records：flowrun_node_records 节点记录表

表结构与 internal/database.HistoryStore 的 GORM 模型一一对应。
SQLite 使用纯 Go 驱动（glebarez/go-sqlite）打开连接，无需 cgo。

# 核心类型

  - Migrator：迁移器接口（Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info）。
  - DefaultMigrator：基于 golang-migrate 的默认实现。
  - CLI：flowrun migrate 子命令的终端输出层，Run 按子命令分发。
  - ConfigFromDatabaseConfig / NewMigratorFromConfig：从全局配置创建迁移器。
*/
package migration
