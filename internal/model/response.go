package model

// APIResponse 通用API响应结构
type APIResponse struct {
	Code    int         `json:"code,omitempty"`  // 响应状态码，可选
	Status  string      `json:"status"`          // 响应状态："success" 或 "error"
	Message string      `json:"message"`         // 响应消息
	Data    interface{} `json:"data,omitempty"`  // 响应数据，可选
	Error   string      `json:"error,omitempty"` // 错误信息，可选
}

// IssueListResponse 问题列表响应
type IssueListResponse struct {
	Total  int                `json:"total"`  // 过滤后的问题数
	Issues []PrioritizedIssue `json:"issues"` // 已排名的问题
}

// BuildListResponse 构建列表响应
type BuildListResponse struct {
	Total  int            `json:"total"`
	Builds []BuildSummary `json:"builds"`
}
