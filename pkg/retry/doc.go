// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

/*
Package retry implements the retry engine behind the notification bridge's
delivery channels: configurable backoff policies, an executor that runs
operations to completion under those policies, and a manager that picks the
right strategy for each delivery path.

# Quick start

The manager with the built-in strategy catalog covers most callers:

	mgr, err := retry.NewManager(retry.DefaultManagerConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer mgr.Shutdown(5 * time.Second)

	result, err := mgr.ExecuteWithRetry(ctx, "telegram_send_message",
		func(ctx context.Context) (any, error) {
			return client.Send(ctx, msg)
		}, "")

Leaving the strategy name empty lets the manager infer one from the
operation name ("telegram_send_message" selects the telegram strategy); an
explicit name always wins.

# Backoff strategies

A policy computes the delay before retry n from its configured strategy:

  - fixed: baseDelay every time
  - linear: baseDelay * n
  - exponential: baseDelay * multiplier^(n-1)
  - polynomial: baseDelay * n^degree
  - fibonacci: baseDelay * fib(n)
  - adaptive: exponential base scaled by the policy's observed success
    rates, so a policy that keeps failing backs off harder

Every computed delay is capped at MaxDelay and, with jitter enabled,
perturbed within a budget of min(JitterMax, 10% of the delay). Three jitter
modes are available: uniform, exponential, and decorrelated (each delay
derived from the previous one, after the AWS pattern).

# Error classification

Policies decide retryability from the error's code and category, resolved
through the pkg/faults contract:

 1. non-retryable codes, then non-retryable categories (always win)
 2. retryable codes, then retryable categories
 3. the error's own retryable hint, when it carries one
 4. otherwise: retry

A fault carrying a server-suggested retry-after (rate limit responses)
overrides the computed backoff for that one delay.

# Contextual rules

A policy config may carry context rules: condition-gated partial overrides
applied per execution. Conditions support `key=value` and `exists:key`
against the execution context's fields and metadata. The telegram preset
uses this to switch to long linear waits while the API is rate limiting.

# Executor

The Executor owns the attempt loop: per-attempt timeouts (scaled by the
policy's TimeoutMultiplier on later attempts), inter-attempt sleeps, an
overall session deadline, and concurrency admission that rejects rather
than queues. Finished executions feed the policy's adaptive learning and a
bounded in-memory metrics log; attach a MetricsCollector to export
Prometheus metrics as well.

# Manager

The Manager layers on top: a named strategy registry auto-populated from
the preset catalog (bridge, telegram, filesystem, network, database,
critical, fast, background), keyword inference, per-strategy usage
tracking, metric rollups via GetMetrics, and a load-based health
classification via GetHealthStatus.

# Thread safety

Policies, the executor and the manager are safe for concurrent use.
*/
package retry
