// Copyright (c) FlowRun Authors.
// Licensed under the MIT License.

/*
Package batch 提供子请求的并行分发能力，在并发上限内将一组独立请求
同时发往 Provider，并按输入顺序收集逐项结果。

# 概述

embedding 等高频调用往往由多个互不依赖的子请求组成。Coordinator 使用
计数信号量限制同时在途的子请求数量，每个子请求经由 ResilientClient
（重试、熔断、超时）执行。结果与输入按下标一一对应，单项失败只影响该项。

# 核心类型

  - Coordinator：批次分发器，持有默认并发上限、整批超时与累计统计
  - Result：单项结果（下标、值、错误、耗时）
  - Response：一次批次的全部结果与本批次 BatchStats
  - Stats：Coordinator 生命周期内的累计统计，全部原子累加

# 失败语义

  - 空批次直接返回 ErrEmptyBatch，不发起任何调用
  - 只要有一项成功，批次即视为部分成功，通过 Response 暴露逐项错误
  - 全部失败返回 ErrAllFailed；整批超时返回 ErrBatchTimeout，两种情况都附带已收集的 Response

# 使用方式

	coord := batch.NewCoordinator(batch.DefaultConfig(), client, logger)
	resp, err := batch.EmbedBatchParallel(ctx, coord, provider, [][]string{{"a"}, {"b"}})
	if err != nil {
	    return err
	}
	for _, r := range resp.Results {
	    if r.Err != nil { ... }
	}
*/
package batch
