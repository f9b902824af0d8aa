package clustering

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/scamguard/backend/pkg/logger"
)

const (
	MinUsers        = 20
	DefaultClusters = 3
	usersPerCluster = 10
	defaultSeed     = 42

	ReasonInsufficientData = "Insufficient data for clustering"
	ReasonNoFeatures       = "No features selected for clustering"
)

// UserFeatures is one user's behavioral feature vector. Missing features
// count as 0.
type UserFeatures struct {
	UserID   string             `json:"user_id"`
	Features map[string]float64 `json:"features"`
}

type Cluster struct {
	ID           int                `json:"cluster_id"`
	Size         int                `json:"size"`
	Percentage   float64            `json:"percentage"`
	Centroid     []float64          `json:"centroid"`
	FeatureMeans map[string]float64 `json:"feature_means"`
	Members      []string           `json:"members,omitempty"`
}

type Segment struct {
	ClusterID          int      `json:"cluster_id"`
	Name               string   `json:"name"`
	Size               int      `json:"size"`
	Percentage         float64  `json:"percentage"`
	KeyCharacteristics []string `json:"key_characteristics"`
	Description        string   `json:"description"`
}

type Result struct {
	Success      bool      `json:"success"`
	Reason       string    `json:"reason,omitempty"`
	NClusters    int       `json:"n_clusters,omitempty"`
	TotalUsers   int       `json:"total_users,omitempty"`
	FeatureNames []string  `json:"feature_names,omitempty"`
	Clusters     []Cluster `json:"clusters,omitempty"`
}

type Engine struct {
	seed   int64
	logger *zap.Logger
}

type Option func(*Engine)

func WithSeed(seed int64) Option {
	return func(e *Engine) {
		e.seed = seed
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		seed:   defaultSeed,
		logger: logger.Named("clustering"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClusterCount is min(3, n/10), never below 1.
func ClusterCount(users int) int {
	return max(1, min(DefaultClusters, users/usersPerCluster))
}

// ClusterUsers standardizes the selected features and partitions users with
// k-means. Fewer than MinUsers users is reported as an unsuccessful result.
func (e *Engine) ClusterUsers(users []UserFeatures, featureNames []string) *Result {
	if len(users) < MinUsers {
		e.logger.Info("Skipping clustering", zap.Int("users", len(users)), zap.Int("required", MinUsers))
		return &Result{Success: false, Reason: ReasonInsufficientData}
	}
	if len(featureNames) == 0 {
		return &Result{Success: false, Reason: ReasonNoFeatures}
	}

	raw := make([][]float64, len(users))
	for i, u := range users {
		raw[i] = make([]float64, len(featureNames))
		for j, name := range featureNames {
			raw[i][j] = u.Features[name]
		}
	}

	scaled := standardize(raw)
	k := ClusterCount(len(users))
	labels, centroids := kmeans(scaled, k, e.seed)

	clusters := make([]Cluster, k)
	for c := range clusters {
		clusters[c] = Cluster{ID: c, Centroid: centroids[c], FeatureMeans: make(map[string]float64, len(featureNames))}
	}

	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, len(featureNames))
	}
	for i, label := range labels {
		clusters[label].Size++
		clusters[label].Members = append(clusters[label].Members, users[i].UserID)
		for j := range featureNames {
			sums[label][j] += raw[i][j]
		}
	}

	for c := range clusters {
		clusters[c].Percentage = float64(clusters[c].Size) / float64(len(users)) * 100
		for j, name := range featureNames {
			if clusters[c].Size > 0 {
				clusters[c].FeatureMeans[name] = sums[c][j] / float64(clusters[c].Size)
			} else {
				clusters[c].FeatureMeans[name] = 0
			}
		}
	}

	e.logger.Info("Users clustered",
		zap.Int("users", len(users)),
		zap.Int("clusters", k),
		zap.Strings("features", featureNames),
	)

	return &Result{
		Success:      true,
		NClusters:    k,
		TotalUsers:   len(users),
		FeatureNames: append([]string(nil), featureNames...),
		Clusters:     clusters,
	}
}

// standardize rescales each column to zero mean and unit variance. Constant
// columns become 0.
func standardize(rows [][]float64) [][]float64 {
	n, dim := len(rows), len(rows[0])
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, dim)
	}

	col := make([]float64, n)
	for j := 0; j < dim; j++ {
		for i := range rows {
			col[i] = rows[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		for i := range rows {
			if std > 0 {
				out[i][j] = (rows[i][j] - mean) / std
			}
		}
	}
	return out
}

// IdentifyUserSegments labels each cluster by its highest and lowest feature
// means.
func (e *Engine) IdentifyUserSegments(result *Result) []Segment {
	if result == nil || !result.Success {
		return []Segment{}
	}

	segments := make([]Segment, 0, len(result.Clusters))
	for _, c := range result.Clusters {
		names := append([]string(nil), result.FeatureNames...)
		sort.SliceStable(names, func(i, j int) bool {
			return c.FeatureMeans[names[i]] > c.FeatureMeans[names[j]]
		})

		top := names[:min(3, len(names))]
		rest := names[len(top):]
		bottom := rest[max(0, len(rest)-3):]

		characteristics := make([]string, len(top))
		for i, name := range top {
			characteristics[i] = "High " + humanize(name)
		}

		description := fmt.Sprintf("Users with %s", joinLower(characteristics))
		if len(bottom) > 0 {
			lows := make([]string, len(bottom))
			for i := range bottom {
				lows[i] = "low " + humanize(bottom[len(bottom)-1-i])
			}
			description += " but " + strings.Join(lows, ", ")
		}

		segments = append(segments, Segment{
			ClusterID:          c.ID,
			Name:               fmt.Sprintf("Segment %d: %s", c.ID+1, characteristics[0]),
			Size:               c.Size,
			Percentage:         c.Percentage,
			KeyCharacteristics: characteristics,
			Description:        description,
		})
	}
	return segments
}

func humanize(feature string) string {
	return strings.ReplaceAll(feature, "_", " ")
}

func joinLower(items []string) string {
	lowered := make([]string, len(items))
	for i, s := range items {
		lowered[i] = strings.ToLower(s[:1]) + s[1:]
	}
	return strings.Join(lowered, ", ")
}
