package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatYAML ExportFormat = "yaml"
)

// exportSchemaVersion 导出文件格式版本
const exportSchemaVersion = "1.0"

// TemplateExportItem 导出的模板项
type TemplateExportItem struct {
	Name        string             `json:"name" yaml:"name"`
	EntityType  EntityType         `json:"entityType" yaml:"entityType"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int                `json:"version,omitempty" yaml:"version,omitempty"`
	Definition  TemplateDefinition `json:"definition" yaml:"definition"`
}

// TemplateExportData 导出文件，单个模板用 Template，批量用 Templates
type TemplateExportData struct {
	Version    string               `json:"version" yaml:"version"`
	ExportedAt string               `json:"exportedAt,omitempty" yaml:"exportedAt,omitempty"`
	Template   *TemplateExportItem  `json:"template,omitempty" yaml:"template,omitempty"`
	Templates  []TemplateExportItem `json:"templates,omitempty" yaml:"templates,omitempty"`
}

// TemplateIO 模板导入导出
type TemplateIO struct {
	store  *TemplateStore
	logger *zap.Logger
}

// NewTemplateIO 创建导入导出服务
func NewTemplateIO(store *TemplateStore, logger *zap.Logger) *TemplateIO {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateIO{store: store, logger: logger}
}

// ExportRequest 导出请求
type ExportRequest struct {
	TenantID   string
	TemplateID string
	Format     ExportFormat
}

// ExportResult 导出结果
type ExportResult struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Export 导出单个模板版本
func (io *TemplateIO) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	tpl, err := io.store.Get(ctx, req.TenantID, req.TemplateID)
	if err != nil {
		return nil, err
	}

	data := TemplateExportData{
		Version:    exportSchemaVersion,
		ExportedAt: io.store.clock().Format(time.RFC3339),
		Template: &TemplateExportItem{
			Name:        tpl.Name,
			EntityType:  tpl.EntityType,
			Description: tpl.Description,
			Version:     tpl.Version,
			Definition:  tpl.Definition,
		},
	}
	return io.marshal(data, req.Format, fmt.Sprintf("%s_v%d", tpl.Name, tpl.Version))
}

func (io *TemplateIO) marshal(data TemplateExportData, format ExportFormat, name string) (*ExportResult, error) {
	var (
		bytes       []byte
		err         error
		ext         string
		contentType string
	)

	switch format {
	case FormatYAML:
		bytes, err = yaml.Marshal(data)
		ext = "yaml"
		contentType = "application/x-yaml"
	default:
		bytes, err = json.MarshalIndent(data, "", "  ")
		ext = "json"
		contentType = "application/json"
	}
	if err != nil {
		return nil, fmt.Errorf("序列化失败: %w", err)
	}

	return &ExportResult{
		Data:        bytes,
		Filename:    fmt.Sprintf("%s.%s", name, ext),
		ContentType: contentType,
	}, nil
}

// ImportRequest 导入请求
type ImportRequest struct {
	TenantID string
	Actor    Actor
	Data     []byte
	Format   ExportFormat
	// Publish 导入后立即发布
	Publish     bool
	MakeDefault bool
	// SkipExisting 已有同名模板时跳过（种子数据使用）
	SkipExisting bool
}

// ImportResult 导入结果
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
	IDs      []string `json:"ids"`
}

// Import 导入模板，每个模板独立成败
func (io *TemplateIO) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	items, err := parseExport(req.Data, req.Format)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{IDs: make([]string, 0, len(items))}
	for _, item := range items {
		if req.SkipExisting {
			versions, err := io.store.ListVersions(ctx, req.TenantID, item.Name)
			if err != nil {
				return result, err
			}
			if len(versions) > 0 {
				result.Skipped++
				continue
			}
		}

		tpl, err := io.store.CreateDraft(ctx, CreateTemplateRequest{
			TenantID:    req.TenantID,
			Name:        item.Name,
			EntityType:  item.EntityType,
			Description: item.Description,
			Definition:  item.Definition,
			CreatedBy:   req.Actor.ID,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.Name, err))
			result.Skipped++
			continue
		}

		if req.Publish {
			published, err := io.store.Publish(ctx, PublishTemplateRequest{
				TenantID:    req.TenantID,
				TemplateID:  tpl.ID,
				MakeDefault: req.MakeDefault,
				Actor:       req.Actor,
			})
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: 发布失败 - %v", item.Name, err))
				result.Skipped++
				continue
			}
			tpl = published.Template
		}

		result.IDs = append(result.IDs, tpl.ID)
		result.Imported++
	}
	return result, nil
}

// LoadDir 从目录加载 *.yaml / *.yml / *.json 模板并发布为默认模板，已存在的名称跳过
func (io *TemplateIO) LoadDir(ctx context.Context, tenantID, dir string) (*ImportResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取模板目录失败: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	total := &ImportResult{IDs: []string{}}
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return total, fmt.Errorf("读取模板文件 %s 失败: %w", name, err)
		}
		format := FormatYAML
		if strings.EqualFold(filepath.Ext(name), ".json") {
			format = FormatJSON
		}

		res, err := io.Import(ctx, ImportRequest{
			TenantID:     tenantID,
			Actor:        SystemActor("seed"),
			Data:         data,
			Format:       format,
			Publish:      true,
			MakeDefault:  true,
			SkipExisting: true,
		})
		if err != nil {
			total.Errors = append(total.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		total.Imported += res.Imported
		total.Skipped += res.Skipped
		total.Errors = append(total.Errors, res.Errors...)
		total.IDs = append(total.IDs, res.IDs...)
	}

	io.logger.Info("模板种子数据加载完成",
		zap.String("tenant_id", tenantID),
		zap.String("dir", dir),
		zap.Int("imported", total.Imported),
		zap.Int("skipped", total.Skipped),
		zap.Int("errors", len(total.Errors)),
	)
	return total, nil
}

// parseExport 兼容单个与批量格式
func parseExport(data []byte, format ExportFormat) ([]TemplateExportItem, error) {
	unmarshal := json.Unmarshal
	if format == FormatYAML {
		unmarshal = yaml.Unmarshal
	}

	var doc TemplateExportData
	if err := unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("无法解析导入数据: %w", err)
	}

	var items []TemplateExportItem
	if doc.Template != nil {
		items = append(items, *doc.Template)
	}
	items = append(items, doc.Templates...)
	if len(items) == 0 {
		return nil, fmt.Errorf("导入数据中没有模板")
	}
	return items, nil
}
