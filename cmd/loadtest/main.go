package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type client struct {
	http  *http.Client
	base  string
	token string
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	token := flag.String("token", "", "X-Api-Token header value")
	channelID := flag.Int64("channel", -100900000001, "channel id used for the test")
	ownerID := flag.Int64("owner", 900001, "channel owner id (reviewer)")
	userID := flag.Int64("user", 900002, "buyer user id")

	// 审核竞态：同一订单上并发 approve/reject，只允许一个成功
	total := flag.Int("n", 100, "total review requests")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	cl := &client{http: &http.Client{Timeout: 5 * time.Second}, base: *baseURL, token: *token}

	tariffID, err := prepare(cl, *channelID, *ownerID, *userID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "prepare failed:", err)
		os.Exit(1)
	}
	fmt.Printf("prepared: channel=%d tariff=%d user=%d (awaiting review)\n", *channelID, tariffID, *userID)

	fmt.Printf("start review race: requests=%d concurrency=%d\n", *total, *concurrency)
	results := runReviews(cl, *channelID, *userID, tariffID, *ownerID, *total, *concurrency)
	wins := printSummary("review_race", results)
	if wins != 1 {
		fmt.Printf("FAIL: expected exactly one successful review, got %d\n", wins)
		os.Exit(2)
	}
	fmt.Println("ok: exactly one review won")
}

// prepare 建频道和套餐，下单并提交凭证，使订单进入待审核。
func prepare(cl *client, channelID, ownerID, userID int64) (uint, error) {
	if _, err := cl.post("/api/channels", map[string]any{
		"channel_id": channelID, "owner_id": ownerID, "title": "loadtest", "payment_info": "card 0000",
	}); err != nil {
		return 0, fmt.Errorf("upsert channel: %w", err)
	}

	body, err := cl.post(fmt.Sprintf("/api/channels/%d/tariffs", channelID), map[string]any{
		"owner_id": ownerID, "title": "1 day", "duration_days": 1, "price": 1,
	})
	if err != nil {
		return 0, fmt.Errorf("create tariff: %w", err)
	}
	var out struct {
		Data struct {
			ID uint `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}

	key := map[string]any{"channel_id": channelID, "user_id": userID, "tariff_id": out.Data.ID}
	if _, err := cl.post("/api/orders", key); err != nil {
		return 0, fmt.Errorf("place order: %w", err)
	}
	key["proof_ref"] = "loadtest-proof"
	if _, err := cl.post("/api/orders/proof", key); err != nil {
		return 0, fmt.Errorf("submit proof: %w", err)
	}
	return out.Data.ID, nil
}

func runReviews(cl *client, channelID, userID int64, tariffID uint, reviewerID int64, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := map[string]any{
				"channel_id": channelID, "user_id": userID, "tariff_id": tariffID, "reviewer_id": reviewerID,
			}
			path := "/api/orders/approve"
			if idx%2 == 1 {
				path = "/api/orders/reject"
				req["reason"] = "loadtest"
				req["notify"] = false
			}
			results[idx] = cl.do(path, req)
		}(i)
	}

	wg.Wait()
	return results
}

func (cl *client) do(path string, body any) Result {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, cl.base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if cl.token != "" {
		req.Header.Set("X-Api-Token", cl.token)
	}
	resp, err := cl.http.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(data)}
}

// post 发送请求，非 2xx 视为失败。
func (cl *client) post(path string, body any) ([]byte, error) {
	r := cl.do(path, body)
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Status >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", r.Status, r.Body)
	}
	return []byte(r.Body), nil
}

// printSummary 聚合输出不同状态码分布，返回 200 的数量。
func printSummary(name string, results []Result) int {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 401, 403, 404, 409, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
	return count[http.StatusOK]
}
