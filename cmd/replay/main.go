// Replay tool for measuring Harrier against labelled sign-up and payment data.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/labelled.csv -url http://localhost:8080
//
// The CSV needs a header row. Recognised columns (case-insensitive):
//
//	user_id, is_fraud                                   required
//	transaction_id, amount, currency, email, ip         request context
//	account_age_hours                                   request context
//	card_number, expiry_month, expiry_year, holder_name payment signals
//	user_agent, screen, timezone, language              device signals
//	outcome                                             reported to /usage after assessment
//
// Each row is assessed in file order. The tool compares Harrier's
// recommendation with the fraud label and prints the confusion matrix with
// precision, recall and F1.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

// Row is one labelled request from the CSV.
type Row struct {
	UserID  string
	Context domain.RequestContext
	Outcome domain.Outcome
	IsFraud bool
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64

	Allowed  atomic.Int64
	Reviewed atomic.Int64
	Blocked  atomic.Int64

	TotalProcessed atomic.Int64
	TotalErrors    atomic.Int64

	ProcessingTimeMs atomic.Int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	limit := flag.Int("limit", 10000, "Maximum rows to replay (0 = all)")
	workers := flag.Int("workers", 1, "Concurrent workers (1 keeps velocity and sharing order faithful)")
	positive := flag.String("positive", "review", "Lowest recommendation counted as a fraud prediction: review or block")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/labelled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	threshold := domain.Recommendation(*positive)
	if threshold != domain.RecommendReview && threshold != domain.RecommendBlock {
		fmt.Printf("ERROR: -positive must be review or block, got %q\n", *positive)
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|              HARRIER REPLAY - Labelled Fraud Data             |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Harrier URL:  %s\n", *baseURL)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Printf("Positive at:  %s\n", threshold)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Harrier is healthy")

	rows, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("ERROR: no rows to replay")
		os.Exit(1)
	}

	fraud := 0
	for _, r := range rows {
		if r.IsFraud {
			fraud++
		}
	}
	fmt.Printf("Loaded %d rows (%d fraud, %.2f%%)\n", len(rows), fraud, 100*float64(fraud)/float64(len(rows)))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	m := replay(rows, *baseURL, *workers, threshold, *verbose)
	printResults(m, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCSV(path string, limit int) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"user_id", "is_fraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		row, err := parseRow(get)
		if err != nil {
			fmt.Printf("skipping line %d: %v\n", line, err)
			continue
		}
		rows = append(rows, row)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func parseRow(get func(string) string) (Row, error) {
	row := Row{
		UserID:  get("user_id"),
		IsFraud: get("is_fraud") == "1" || strings.EqualFold(get("is_fraud"), "true"),
		Outcome: domain.Outcome(get("outcome")),
		Context: domain.RequestContext{
			TransactionID: get("transaction_id"),
			Currency:      get("currency"),
			Email:         get("email"),
			IP:            get("ip"),
		},
	}
	if row.UserID == "" {
		return Row{}, errors.New("empty user_id")
	}

	if raw := get("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return Row{}, fmt.Errorf("amount: %w", err)
		}
		row.Context.Amount = amount
	}

	if raw := get("account_age_hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Row{}, fmt.Errorf("account_age_hours: %w", err)
		}
		row.Context.AccountAgeHours = &hours
	}

	if pan := get("card_number"); pan != "" {
		month, _ := strconv.Atoi(get("expiry_month"))
		year, _ := strconv.Atoi(get("expiry_year"))
		row.Context.Payment = &domain.PaymentSignals{
			CardNumber:  pan,
			ExpiryMonth: month,
			ExpiryYear:  year,
			HolderName:  get("holder_name"),
		}
	}

	if ua := get("user_agent"); ua != "" {
		row.Context.Device = &domain.DeviceSignals{
			UserAgent: ua,
			Screen:    get("screen"),
			Timezone:  get("timezone"),
			Language:  get("language"),
		}
	}
	return row, nil
}

func replay(rows []Row, baseURL string, numWorkers int, threshold domain.Recommendation, verbose bool) *Metrics {
	m := &Metrics{}
	if numWorkers < 1 {
		numWorkers = 1
	}

	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				a, err := assess(client, baseURL, row)
				m.ProcessingTimeMs.Add(time.Since(start).Milliseconds())
				m.TotalProcessed.Add(1)

				if err != nil {
					m.TotalErrors.Add(1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.UserID, err)
					}
					continue
				}

				if row.Outcome != "" && a.PaymentFingerprintID != "" {
					if err := reportUsage(client, baseURL, row, a); err != nil && verbose {
						fmt.Printf("ERROR: usage for %s -> %v\n", row.UserID, err)
					}
				}

				m.record(a.Recommendation, threshold, row.IsFraud)

				if verbose {
					fmt.Printf("%-12s | fraud: %-5v | %-6s (%.1f) | %s\n",
						truncate(row.UserID, 12),
						row.IsFraud,
						a.Recommendation,
						a.OverallRiskScore,
						strings.Join(a.TriggeredRuleIDs(), ","),
					)
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()

	return m
}

func (m *Metrics) record(rec, threshold domain.Recommendation, actual bool) {
	switch rec {
	case domain.RecommendBlock:
		m.Blocked.Add(1)
	case domain.RecommendReview:
		m.Reviewed.Add(1)
	default:
		m.Allowed.Add(1)
	}

	predicted := rec == domain.RecommendBlock || (threshold == domain.RecommendReview && rec == domain.RecommendReview)
	switch {
	case predicted && actual:
		m.TruePositives.Add(1)
	case predicted && !actual:
		m.FalsePositives.Add(1)
	case !predicted && !actual:
		m.TrueNegatives.Add(1)
	default:
		m.FalseNegatives.Add(1)
	}
}

func assess(client *http.Client, baseURL string, row Row) (*domain.FraudAssessment, error) {
	var a domain.FraudAssessment
	err := post(client, baseURL+"/assess", api.AssessRequest{UserID: row.UserID, Context: row.Context}, http.StatusOK, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func reportUsage(client *http.Client, baseURL string, row Row, a *domain.FraudAssessment) error {
	in := domain.UsageInput{
		FingerprintID: a.PaymentFingerprintID,
		UserID:        row.UserID,
		TransactionID: row.Context.TransactionID,
		Amount:        row.Context.Amount,
		Currency:      row.Context.Currency,
		Outcome:       row.Outcome,
	}
	return post(client, baseURL+"/usage", in, http.StatusCreated, nil)
}

func post(client *http.Client, url string, body any, want int, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func printResults(m *Metrics, duration time.Duration) {
	tp, fp := m.TruePositives.Load(), m.FalsePositives.Load()
	tn, fn := m.TrueNegatives.Load(), m.FalseNegatives.Load()

	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                        REPLAY RESULTS                         |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Processed:  %d\n", m.TotalProcessed.Load())
	fmt.Printf("   Errors:     %d\n", m.TotalErrors.Load())
	fmt.Printf("   Allowed:    %d\n", m.Allowed.Load())
	fmt.Printf("   Reviewed:   %d\n", m.Reviewed.Load())
	fmt.Printf("   Blocked:    %d\n", m.Blocked.Load())

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                     Predicted")
	fmt.Println("                  fraud      legit")
	fmt.Printf("   Actual fraud  %8d   %8d   (TP, FN)\n", tp, fn)
	fmt.Printf("          legit  %8d   %8d   (FP, TN)\n", fp, tn)

	var precision, recall, f1, accuracy float64
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	if total := tp + tn + fp + fn; total > 0 {
		accuracy = float64(tp+tn) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if n := m.TotalProcessed.Load(); n > 0 {
		fmt.Printf("   Avg Latency:     %.2f ms\n", float64(m.ProcessingTimeMs.Load())/float64(n))
		fmt.Printf("   Throughput:      %.2f req/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Println()
}
