package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"planet/api/log"
	"planet/api/model"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/cloudtasks/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type CloudTasksOptions struct {
	Project                 string
	Location                string
	Name                    string
	HandlerURL              string
	ServiceAccountEmail     string
	Audience                string
	Credentials             string // 文件路径 / json 内容 / base64 json，空则用 ADC
	MaxDispatchesPerSecond  float64
	MaxConcurrentDispatches int64
	MaxRetries              uint64
	ClientOptions           []option.ClientOption // 测试里指向本地 endpoint
}

// CloudTasks 每个 tile 任务是一个带 OIDC token 的 HTTP 任务
type CloudTasks struct {
	svc       *cloudtasks.Service
	opts      CloudTasksOptions
	queuePath string

	mu      sync.Mutex
	ensured bool
}

func NewCloudTasks(ctx context.Context, opts CloudTasksOptions) (*CloudTasks, error) {
	if opts.Location == "" {
		opts.Location = "us-west2"
	}
	if opts.Name == "" {
		opts.Name = "BattleDawnPro-SaveMap"
	}
	if opts.MaxDispatchesPerSecond <= 0 {
		opts.MaxDispatchesPerSecond = 200
	}
	if opts.MaxConcurrentDispatches <= 0 {
		opts.MaxConcurrentDispatches = 50
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 4
	}

	clientOpts := opts.ClientOptions
	if len(clientOpts) == 0 {
		creds, err := loadCredentials(ctx, opts.Credentials)
		if err != nil {
			return nil, err
		}
		if opts.Project == "" {
			opts.Project = creds.ProjectID
		}
		clientOpts = []option.ClientOption{option.WithCredentials(creds)}
	}
	if opts.Project == "" {
		opts.Project = resolveProjectID()
	}
	if opts.Project == "" {
		return nil, errors.New("unable to determine project id for Cloud Tasks")
	}
	if opts.HandlerURL == "" {
		return nil, errors.New("cloud tasks handler url is required")
	}
	if opts.ServiceAccountEmail == "" {
		opts.ServiceAccountEmail = opts.Project + "@appspot.gserviceaccount.com"
	}
	if opts.Audience == "" {
		opts.Audience = opts.HandlerURL
	}

	svc, err := cloudtasks.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}
	return &CloudTasks{
		svc:       svc,
		opts:      opts,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", opts.Project, opts.Location, opts.Name),
	}, nil
}

func (q *CloudTasks) Ref() string { return q.queuePath }

func (q *CloudTasks) ServiceAccountEmail() string { return q.opts.ServiceAccountEmail }

// EnsureQueue 队列不存在就创建；限速和配置不一致时更新
func (q *CloudTasks) EnsureQueue(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}
	queues := q.svc.Projects.Locations.Queues
	desired := &cloudtasks.RateLimits{
		MaxDispatchesPerSecond:  q.opts.MaxDispatchesPerSecond,
		MaxConcurrentDispatches: q.opts.MaxConcurrentDispatches,
	}

	existing, err := queues.Get(q.queuePath).Context(ctx).Do()
	switch {
	case isStatus(err, http.StatusNotFound):
		parent := fmt.Sprintf("projects/%s/locations/%s", q.opts.Project, q.opts.Location)
		_, err = queues.Create(parent, &cloudtasks.Queue{Name: q.queuePath, RateLimits: desired}).Context(ctx).Do()
		if err != nil && !isStatus(err, http.StatusConflict) {
			return fmt.Errorf("create queue %s: %w", q.queuePath, err)
		}
		log.Infof("Created Cloud Tasks queue %s with rate limits %.0f/s, %d concurrent",
			q.queuePath, desired.MaxDispatchesPerSecond, desired.MaxConcurrentDispatches)
	case err != nil:
		return fmt.Errorf("get queue %s: %w", q.queuePath, err)
	default:
		rl := existing.RateLimits
		if rl == nil || rl.MaxDispatchesPerSecond != desired.MaxDispatchesPerSecond || rl.MaxConcurrentDispatches != desired.MaxConcurrentDispatches {
			_, err = queues.Patch(q.queuePath, &cloudtasks.Queue{Name: q.queuePath, RateLimits: desired}).
				UpdateMask("rateLimits.maxDispatchesPerSecond,rateLimits.maxConcurrentDispatches").
				Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("update queue %s: %w", q.queuePath, err)
			}
			log.Infof("Updated Cloud Tasks queue rate limits %s", q.queuePath)
		}
	}
	q.ensured = true
	return nil
}

func (q *CloudTasks) Enqueue(ctx context.Context, task *model.TileTask) error {
	if err := q.EnsureQueue(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", TaskKey(task), err)
	}
	req := &cloudtasks.CreateTaskRequest{
		Task: &cloudtasks.Task{
			Name: q.queuePath + "/tasks/" + TaskID(task),
			HttpRequest: &cloudtasks.HttpRequest{
				HttpMethod: "POST",
				Url:        q.opts.HandlerURL,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       base64.StdEncoding.EncodeToString(body),
				OidcToken: &cloudtasks.OidcToken{
					ServiceAccountEmail: q.opts.ServiceAccountEmail,
					Audience:            q.opts.Audience,
				},
			},
		},
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), q.opts.MaxRetries), ctx)
	return backoff.Retry(func() error {
		_, err := q.svc.Projects.Locations.Queues.Tasks.Create(q.queuePath, req).Context(ctx).Do()
		switch {
		case err == nil:
			return nil
		case isStatus(err, http.StatusConflict):
			// 同名任务已经在队列里
			return nil
		case retryable(err):
			log.Warnf("create task %s: %v", TaskKey(task), err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func isStatus(err error, code int) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == code
}

func retryable(err error) bool {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return true // 网络错误
	}
	return ge.Code == http.StatusTooManyRequests || ge.Code >= 500
}

func resolveProjectID() string {
	for _, k := range []string{"GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func loadCredentials(ctx context.Context, v string) (*google.Credentials, error) {
	if strings.TrimSpace(v) == "" {
		creds, err := google.FindDefaultCredentials(ctx, cloudtasks.CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("default credentials: %w", err)
		}
		return creds, nil
	}
	raw, src, err := readPathOrContent(v)
	if err != nil {
		return nil, err
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, cloudtasks.CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials (%s): %w", src, err)
	}
	return creds, nil
}

// readPathOrContent 既可以是文件路径，也可以直接是 json 内容 / base64
func readPathOrContent(v string) ([]byte, string, error) {
	v = strings.TrimSpace(v)
	p := v
	if !filepath.IsAbs(p) {
		wd, _ := os.Getwd()
		p = filepath.Join(wd, p)
	}
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(p)
		return b, p, err
	}
	if strings.HasPrefix(v, "{") {
		return []byte(v), "<inline>", nil
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil && len(b) > 0 {
		trim := strings.TrimSpace(string(b))
		if strings.HasPrefix(trim, "{") {
			return []byte(trim), "<base64>", nil
		}
	}
	return nil, "", errors.New("credentials are neither an existing file path nor valid json/base64 json")
}
