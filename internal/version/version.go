// Package version 保存构建时注入的版本信息。
package version

import (
	"fmt"
	"runtime"
)

// Version/Commit/BuildDate 通过 -ldflags "-X" 注入，默认使用开发占位符。
var (
	Version   = "0.1.0"
	Commit    = "dev"
	BuildDate = "unknown"
)

// Full 返回便于 CLI 与诊断接口展示的完整版本信息。
func Full() string {
	return fmt.Sprintf("cachegate %s (%s, built %s, %s)", Version, Commit, BuildDate, runtime.Version())
}
