// Copyright 2025 James Ross
package obs

import (
    "github.com/prometheus/client_golang/prometheus"
)

var (
    ExecutionsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "dispatch_executions_submitted_total",
        Help: "Total number of execution submissions accepted past admission control",
    }, []string{"button_id", "tenant_id"})
    ExecutionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "dispatch_executions_rejected_total",
        Help: "Total number of execution submissions rejected by admission control",
    }, []string{"reason"})
    ExecutionsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "dispatch_executions_terminal_total",
        Help: "Total number of executions reaching a terminal state",
    }, []string{"button_id", "status"})
    ExecutionsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "dispatch_executions_retried_total",
        Help: "Total number of retry submissions",
    })
    SupervisorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "dispatch_supervisor_duration_seconds",
        Help:    "Histogram of cast child-process wall time, from spawn to exit",
        Buckets: prometheus.DefBuckets,
    })
    RunningExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "dispatch_running_executions",
        Help: "Current number of executions in the running state",
    })
    TenantRunningExecutions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "dispatch_tenant_running_executions",
        Help: "Current number of running executions per tenant",
    }, []string{"tenant_id"})
    RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "dispatch_rate_limit_rejections_total",
        Help: "Total number of requests rejected by the sliding-window rate limiter",
    }, []string{"scope"})
    RetentionSweeps = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "dispatch_retention_sweeps_total",
        Help: "Total number of retention GC sweeps performed",
    })
    RetentionFilesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "dispatch_retention_files_deleted_total",
        Help: "Total number of files removed by retention GC",
    })
)

func init() {
    prometheus.MustRegister(
        ExecutionsSubmitted,
        ExecutionsRejected,
        ExecutionsTerminal,
        ExecutionsRetried,
        SupervisorDuration,
        RunningExecutions,
        TenantRunningExecutions,
        RateLimitRejections,
        RetentionSweeps,
        RetentionFilesDeleted,
    )
}
