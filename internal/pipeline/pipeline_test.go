package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fpang/transcription-qa-bridge/internal/annotation"
	"github.com/fpang/transcription-qa-bridge/internal/config"
	"github.com/fpang/transcription-qa-bridge/internal/marketplace"
	"github.com/fpang/transcription-qa-bridge/internal/notify"
	"github.com/fpang/transcription-qa-bridge/internal/objstore"
	"github.com/fpang/transcription-qa-bridge/internal/report"
	"github.com/fpang/transcription-qa-bridge/internal/store"
)

const (
	originJob = "1500001"
	qaJob     = "1600001"
	bucket    = "qa-data"
)

// fakeMarketplace serves canned reports and annotations and records calls.
type fakeMarketplace struct {
	reports     map[string]*report.Table // key: jobID/type
	annotations map[string]string        // key: URL
	title       string
	titleErr    error
	uploadCode  int

	fetches  []string
	uploads  [][]byte
	uploadTo []string
}

func (f *fakeMarketplace) Regenerate(ctx context.Context, jobID string, typ report.Type) (marketplace.RegenerateResult, error) {
	return marketplace.RegenerateResult{JobID: jobID, Type: typ, Attempts: 1, StatusCode: 200, OK: true}, nil
}

func (f *fakeMarketplace) FetchReport(ctx context.Context, jobID string, typ report.Type) (*report.Table, error) {
	key := jobID + "/" + string(typ)
	f.fetches = append(f.fetches, key)
	if t, ok := f.reports[key]; ok {
		return t, nil
	}
	return &report.Table{}, nil
}

func (f *fakeMarketplace) Upload(ctx context.Context, jobID string, csv []byte) (*marketplace.UploadResponse, error) {
	f.uploadTo = append(f.uploadTo, jobID)
	f.uploads = append(f.uploads, csv)
	code := f.uploadCode
	if code == 0 {
		code = 200
	}
	return &marketplace.UploadResponse{StatusCode: code, Body: "{}"}, nil
}

func (f *fakeMarketplace) JobTitle(ctx context.Context, jobID string) (string, error) {
	return f.title, f.titleErr
}

func (f *fakeMarketplace) FetchAnnotation(ctx context.Context, ref report.AnnotationRef) ([]byte, error) {
	body, ok := f.annotations[ref.URL]
	if !ok {
		return nil, fmt.Errorf("status 404")
	}
	return []byte(body), nil
}

type fakeLeaser struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLeaser) AcquireLease(ctx context.Context, jobID string) (*store.Lease, error) {
	if f.held {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrLeaseHeld)
	}
	f.acquired++
	return &store.Lease{JobID: jobID, Owner: "test"}, nil
}

func (f *fakeLeaser) ReleaseLease(ctx context.Context, lease *store.Lease) error {
	f.released++
	return nil
}

type fakeNotifier struct {
	events []notify.BatchUploaded
}

func (f *fakeNotifier) EmitBatchUploaded(ctx context.Context, event notify.BatchUploaded) error {
	f.events = append(f.events, event)
	return nil
}

func originRow(unit, worker, created string) report.Row {
	return report.Row{
		report.ColUnitID:             unit,
		report.ColWorkerID:           worker,
		report.ColCreatedAt:          created,
		"tx_work":                    "https://annotations.example.com/tx/" + unit + ".json",
		report.ColAudioAnnotationURL: "s3://" + bucket + "/refs/batch1/unit" + unit + ".json",
		report.ColAudioURL:           "https://audio.example.com/" + unit + ".wav",
		report.ColDisplayID:          "d" + unit,
		report.ColDuration:           "4.0",
		report.ColFileID:             "f" + unit,
		report.ColFileName:           "file" + unit + ".wav",
		report.ColStoreID:            "s1",
		report.ColQAJob:              qaJob + ".0",
		report.ColSampleRate:         "0.5",
	}
}

func transcription(ids ...string) string {
	utts := make([]string, len(ids))
	for i, id := range ids {
		utts[i] = fmt.Sprintf(`{"id":%q,"text":"t-%s","nothingToTranscribe":false}`, id, id)
	}
	return `{"annotation":[[` + strings.Join(utts, ",") + `]],"nothingToAnnotate":false,"ableToAnnotate":true,"nothingToTranscribe":false}`
}

func reference(ids ...string) string {
	utts := make([]string, len(ids))
	for i, id := range ids {
		utts[i] = fmt.Sprintf(`{"id":%q,"start":%d}`, id, i)
	}
	return `{"annotation":[` + strings.Join(utts, ",") + `]}`
}

// scenario builds the canonical run: three origin rows, one already older
// than the QA high-water mark, two new rows from different workers with
// two transcribable utterances each.
func scenario(t *testing.T) (*fakeMarketplace, *objstore.Memory) {
	t.Helper()
	ctx := context.Background()
	objects := objstore.NewMemory()
	for _, unit := range []string{"101", "102", "103"} {
		if err := objects.Put(ctx, bucket, "refs/batch1/unit"+unit+".json", []byte(reference("a"+unit, "b"+unit))); err != nil {
			t.Fatalf("seed reference: %v", err)
		}
	}

	api := &fakeMarketplace{
		reports: map[string]*report.Table{
			originJob + "/full": {Rows: []report.Row{
				originRow("103", "w2", "2024-03-03 10:00:00"),
				originRow("101", "w1", "2024-03-01 10:00:00"),
				originRow("102", "w1", "2024-03-02 10:00:00"),
			}},
			qaJob + "/source": {Rows: []report.Row{
				{report.ColOrigCreatedAt: "2024-03-01 10:00:00"},
				{report.ColOrigCreatedAt: "not a date"},
			}},
		},
		annotations: map[string]string{
			"https://annotations.example.com/tx/101.json": transcription("a101", "b101"),
			"https://annotations.example.com/tx/102.json": transcription("a102", "b102"),
			"https://annotations.example.com/tx/103.json": transcription("a103", "b103"),
		},
		title: "Dutch batch 4",
	}
	return api, objects
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Bucket = bucket
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	api, objects := scenario(t)
	seeded := objects.Puts()
	notifier := &fakeNotifier{}
	leases := &fakeLeaser{}

	runner := NewRunner(testConfig(), api, objects).WithLeases(leases).WithNotifier(notifier)
	res, err := runner.Run(context.Background(), originJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Outcome != OutcomeUploaded {
		t.Errorf("expected uploaded, got %s", res.Outcome)
	}
	if res.QAJobID != qaJob {
		t.Errorf("expected qa job %s, got %s", qaJob, res.QAJobID)
	}
	if res.OriginRows != 3 || res.NewRows != 2 || res.Utterances != 4 || res.Sampled != 2 {
		t.Errorf("unexpected counts: %+v", res)
	}

	if got := objects.Puts() - seeded; got != 4 {
		t.Errorf("expected 2 hosted pairs (4 objects), got %d puts", got)
	}

	if len(api.uploads) != 1 || api.uploadTo[0] != qaJob {
		t.Fatalf("expected one upload to %s, got %v", qaJob, api.uploadTo)
	}
	table, err := report.ParseCSV(bytes.NewReader(api.uploads[0]))
	if err != nil {
		t.Fatalf("uploaded CSV does not parse: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 CSV rows, got %d", table.Len())
	}

	header := strings.SplitN(string(api.uploads[0]), "\n", 2)[0]
	wantHeader := "orig_worker_id,audio_annotation_url,audio_url,orig_unit_id,orig_created_at,display_id,duration,pe_file_id,pe_file_name,pe_store_id,utterance,utterance_transcribed,orig_job_id,from_job_name"
	if header != wantHeader {
		t.Errorf("unexpected header:\n got %s\nwant %s", header, wantHeader)
	}

	workers := map[string]bool{}
	for _, row := range table.Rows {
		workers[row.Get("orig_worker_id")] = true
		if row.Get("orig_unit_id") == "101" {
			t.Error("row older than the high-water mark was sampled")
		}
		if row.Get("orig_job_id") != originJob || row.Get("from_job_name") != "Dutch batch 4" {
			t.Errorf("unexpected job columns: %v", row)
		}
		for _, col := range []string{"utterance", "utterance_transcribed"} {
			uri := row.Get(col)
			b, key, err := objstore.ParseURI(uri)
			if err != nil {
				t.Fatalf("%s is not a hosted path: %q", col, uri)
			}
			if _, err := objects.Get(context.Background(), b, key); err != nil {
				t.Errorf("%s points at a missing object: %s", col, uri)
			}
		}
		if _, ok := row["sample0"]; ok {
			t.Error("raw annotation column leaked into CSV")
		}
	}
	if !workers["w1"] || !workers["w2"] {
		t.Errorf("expected one sample per worker, got %v", workers)
	}

	if len(notifier.events) != 1 || notifier.events[0].Sampled != 2 || notifier.events[0].RunID != res.RunID {
		t.Errorf("unexpected notifications: %+v", notifier.events)
	}
	if leases.acquired != 1 || leases.released != 1 {
		t.Errorf("lease not acquired and released once: %+v", leases)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	var csvs [][]byte
	for i := 0; i < 2; i++ {
		api, objects := scenario(t)
		if _, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		csvs = append(csvs, api.uploads[0])
	}
	if !bytes.Equal(csvs[0], csvs[1]) {
		t.Error("identical input produced different batches")
	}
}

func TestRunEmptyOriginReport(t *testing.T) {
	api := &fakeMarketplace{}
	_, err := NewRunner(testConfig(), api, objstore.NewMemory()).Run(context.Background(), originJob)
	if !errors.Is(err, ErrEmptyReport) {
		t.Fatalf("expected ErrEmptyReport, got %v", err)
	}
	for _, f := range api.fetches {
		if strings.HasPrefix(f, qaJob) || strings.HasSuffix(f, "/source") {
			t.Errorf("QA report should not be fetched, got %s", f)
		}
	}
	if len(api.uploads) != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestRunMissingLink(t *testing.T) {
	api, objects := scenario(t)
	rows := api.reports[originJob+"/full"].Rows
	last := report.Row{}
	for k, v := range rows[len(rows)-1] {
		last[k] = v
	}
	last[report.ColSampleRate] = ""
	api.reports[originJob+"/full"] = &report.Table{Rows: append(rows[:len(rows)-1:len(rows)-1], last)}

	_, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob)
	if !errors.Is(err, ErrMissingSampleRate) {
		t.Fatalf("expected ErrMissingSampleRate, got %v", err)
	}
}

func TestRunNothingNew(t *testing.T) {
	api, objects := scenario(t)
	api.reports[qaJob+"/source"] = &report.Table{Rows: []report.Row{
		{report.ColOrigCreatedAt: "2024-03-03 10:00:00"},
	}}

	res, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeNothingNew {
		t.Errorf("expected nothing-new, got %s", res.Outcome)
	}
	if len(api.uploads) != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestRunNoHighWaterMark(t *testing.T) {
	api, objects := scenario(t)
	api.reports[qaJob+"/source"] = &report.Table{Rows: []report.Row{
		{report.ColOrigCreatedAt: "garbage"},
	}}

	_, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob)
	if !errors.Is(err, ErrNoHighWaterMark) {
		t.Fatalf("expected ErrNoHighWaterMark, got %v", err)
	}
}

func TestRunEmptyQAReportTakesAllRows(t *testing.T) {
	api, objects := scenario(t)
	delete(api.reports, qaJob+"/source")

	res, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewRows != 3 || res.Utterances != 6 {
		t.Errorf("expected all 3 rows and 6 utterances, got %+v", res)
	}
}

func TestRunEmptyQAReportKeepsUndatedRows(t *testing.T) {
	api, objects := scenario(t)
	delete(api.reports, qaJob+"/source")
	api.reports[originJob+"/full"].Rows[1][report.ColCreatedAt] = ""

	res, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewRows != 3 || res.Utterances != 6 {
		t.Errorf("expected the undated row to contribute, got %+v", res)
	}
}

func TestRunDropsSentinelAndBrokenRows(t *testing.T) {
	api, objects := scenario(t)
	api.annotations["https://annotations.example.com/tx/102.json"] = `{"annotation":[],"nothingToAnnotate":false,"ableToAnnotate":false,"nothingToTranscribe":true}`
	delete(api.annotations, "https://annotations.example.com/tx/103.json")

	res, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeNoUtterances {
		t.Errorf("expected no-utterances, got %s", res.Outcome)
	}
	if len(api.uploads) != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestRunMissingReferenceContributesNothing(t *testing.T) {
	api, _ := scenario(t)
	objects := objstore.NewMemory()
	objects.Put(context.Background(), bucket, "refs/batch1/unit103.json", []byte(reference("a103", "b103")))

	res, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Utterances != 2 || res.Sampled != 1 {
		t.Errorf("expected only unit 103 to contribute, got %+v", res)
	}
}

func TestRunUploadRejected(t *testing.T) {
	api, objects := scenario(t)
	api.uploadCode = 422
	notifier := &fakeNotifier{}

	res, err := NewRunner(testConfig(), api, objects).WithNotifier(notifier).Run(context.Background(), originJob)
	if !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected ErrUploadRejected, got %v", err)
	}
	if res.UploadStatus != 422 {
		t.Errorf("expected upload status 422, got %d", res.UploadStatus)
	}
	if len(notifier.events) != 0 {
		t.Error("rejected uploads should not be announced")
	}
}

func TestRunDryRun(t *testing.T) {
	api, objects := scenario(t)
	cfg := testConfig()
	cfg.DryRun = true

	res, err := NewRunner(cfg, api, objects).Run(context.Background(), originJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeDryRun {
		t.Errorf("expected dry-run, got %s", res.Outcome)
	}
	if len(api.uploads) != 0 {
		t.Error("dry run must not upload")
	}
	if !bytes.HasPrefix(res.CSV, []byte("orig_worker_id,")) {
		t.Errorf("expected CSV in result, got %q", res.CSV)
	}
}

func TestRunTitleFailureLeavesBlank(t *testing.T) {
	api, objects := scenario(t)
	api.titleErr = errors.New("status 500")

	if _, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	table, _ := report.ParseCSV(bytes.NewReader(api.uploads[0]))
	for _, row := range table.Rows {
		if row.Get("from_job_name") != "" {
			t.Errorf("expected blank title, got %q", row.Get("from_job_name"))
		}
	}
}

func TestRunLeaseHeld(t *testing.T) {
	api, objects := scenario(t)
	_, err := NewRunner(testConfig(), api, objects).WithLeases(&fakeLeaser{held: true}).Run(context.Background(), originJob)
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if len(api.fetches) != 0 {
		t.Error("no report should be fetched without the lease")
	}
}

func TestSampleKeys(t *testing.T) {
	rec := annotation.Record{
		SampleID:           "u7",
		WorkerID:           "45012",
		AudioAnnotationURL: "s3://ref-bucket/nl/batch4/clip.json.json",
	}
	utt, tx, err := SampleKeys("QL1/QA", originJob, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if utt != "QL1/QA/1500001/utterance/nl/batch4/clip_u7.json" {
		t.Errorf("unexpected utterance key: %s", utt)
	}
	if tx != "QL1/QA/1500001/utterance_transcribed/nl/batch4/clip_u7_45012.json" {
		t.Errorf("unexpected transcribed key: %s", tx)
	}

	rec.AudioAnnotationURL = "s3://ref-bucket/clip.json"
	utt, _, _ = SampleKeys("QL1/QA", originJob, rec)
	if utt != "QL1/QA/1500001/utterance/clip_u7.json" {
		t.Errorf("unexpected key without folder: %s", utt)
	}

	for _, u := range []string{
		"s3://ref-bucket/../../../etc/clip.json",
		"s3://ref-bucket/nl/../clip.json",
		"s3://ref-bucket/nl/./clip.json",
	} {
		rec.AudioAnnotationURL = u
		if _, _, err := SampleKeys("QL1/QA", originJob, rec); !errors.Is(err, ErrUnsafeKey) {
			t.Errorf("%s: expected ErrUnsafeKey, got %v", u, err)
		}
	}
}

func TestRunRejectsEscapingReference(t *testing.T) {
	api, objects := scenario(t)
	row := originRow("103", "w2", "2024-03-03 10:00:00")
	row[report.ColAudioAnnotationURL] = "s3://" + bucket + "/refs/../../outside/unit103.json"
	objects.Put(context.Background(), bucket, "refs/../../outside/unit103.json", []byte(reference("a103", "b103")))
	api.reports[originJob+"/full"].Rows[0] = row
	seeded := objects.Puts()

	_, err := NewRunner(testConfig(), api, objects).Run(context.Background(), originJob)
	if !errors.Is(err, ErrUnsafeKey) {
		t.Fatalf("expected ErrUnsafeKey, got %v", err)
	}
	if objects.Puts() != seeded {
		t.Errorf("nothing should be hosted, got %d new writes", objects.Puts()-seeded)
	}
	if len(api.uploads) != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestMarshalSampleKeepsText(t *testing.T) {
	out, err := marshalSample(annotation.TranscribedSample{
		Annotation: [][]json.RawMessage{{json.RawMessage(`{"id":"u1","text":"a <b> & c"}`)}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(out, []byte(`"text":"a <b> & c"`)) {
		t.Errorf("text was escaped: %s", out)
	}
	if bytes.HasSuffix(out, []byte("\n")) {
		t.Error("trailing newline should be trimmed")
	}
}
