package redis

import "fmt"

const prefix = "paid_channel"

// OrderRateLimitUserKey 下单限流键（按买家）。
func OrderRateLimitUserKey(userID int64) string {
	return fmt.Sprintf("%s:rate_limit:order:user:%d", prefix, userID)
}

// OrderRateLimitIPKey body 里取不到 user_id 时按 IP 降级限流。
func OrderRateLimitIPKey(ip string) string {
	return fmt.Sprintf("%s:rate_limit:order:ip:%s", prefix, ip)
}

// LeaderLeaseKey 调度器租约键，同一时刻只有一个实例持有。
func LeaderLeaseKey(name string) string {
	return fmt.Sprintf("%s:lease:%s", prefix, name)
}
