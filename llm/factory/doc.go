// Package factory 按配置名称创建 LLM Provider（echo 或 OpenAI 兼容端点），
// 并在 provider.blocking 时把同步实现放入阻塞线程池执行。
package factory
