/*
Package testutil 提供 FlowRun 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 日志辅助: TestLogger，输出到 t.Log
  - 异步断言: AssertEventuallyTrue，支持超时轮询等待条件满足

# 子包

  - testutil/mocks: MockProvider，支持固定响应、错误序列注入、延迟与调用计数

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewMockProvider().WithErrorSequence(types.NewTimeoutError("slow"), nil)
	resp, err := provider.Completion(ctx, req)
*/
package testutil
