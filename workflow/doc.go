// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
Package workflow 提供 DAG 工作流的建模与调度执行。

# 概述

工作流由节点和有向边组成。Graph 负责结构：添加节点与边、校验（三色 DFS
环检测并给出环路径）、Kahn 拓扑排序（同层按插入顺序）。校验通过后图被冻结，
之后只读，可以被任意数量的并发执行共享。

Executor 负责调度：入度为零的节点先就绪，同时运行的节点数受 MaxParallel
限制，就绪节点按插入顺序派发。每次执行拥有独立的 WorkflowContext，记录
变量、节点输出、节点状态、错误与跳过原因。

# 核心类型

  - Graph / Node / Edge    图结构
  - Expression             边上的 when 条件表达式
  - WorkflowContext        单次执行的状态
  - Executor               调度器（并发上限、超时、取消、历史、指标）
  - Registry / NodeHandler 节点类型到处理器的映射
  - Definition             YAML / JSON 工作流定义
  - HistoryStore           执行历史存储

# 边的语义

普通边要求源节点成功。OnError 边只在源节点失败时生效，若其目标成功，
该失败被视为已处理。Optional 边在源节点失败或跳过时不阻塞目标。
带条件的边在条件不满足时不触发目标；所有入边都未触发的节点以 routed
原因跳过，汇合节点仍可运行。只有 upstream_failed 会沿必需边向下游传播。

# 节点类型

  - agent        LLM 补全，可选流式
  - embedding    文本向量化，按模式与规模决定是否批量
  - function     调用注册的 Go 函数
  - passthrough  透传输入或配置值

# 使用示例

	g := workflow.NewGraph("pipeline")
	g.AddNode(workflow.NewNode("fetch", workflow.NodeTypeFunction).WithConfig("function", "fetch"))
	g.AddNode(workflow.NewNode("summarize", workflow.NodeTypeAgent).WithConfig("prompt", "{{.Input}}"))
	g.AddEdge("fetch", "summarize")
	if err := g.Validate(); err != nil {
		return err
	}
	wc, err := executor.Execute(ctx, g, map[string]any{"url": url})
*/
package workflow
