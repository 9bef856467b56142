package broker

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/betbot/gobroker/internal/domain"
)

// Client 券商 REST 客户端（裸传输层）
//
// 只负责认证、编解码和错误归类；速率限制与重试由上层的
// Dispatcher/Classifier 负责，这里刻意不开 resty 的内置重试。
type Client struct {
	http *resty.Client
}

// NewClient 创建新的 REST 客户端
// apiKey 以 Authorization 头原样发送（远端使用不透明 API key）。
func NewClient(host, apiKey string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(host, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Authorization", apiKey).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}
}

// do 发送请求并归类错误：网络层失败 -> TransportError，非 2xx -> RemoteError
func (c *Client) do(ctx context.Context, method, endpoint string, pathParams map[string]string, body, out any) error {
	r := c.http.R().SetContext(ctx)
	if pathParams != nil {
		r.SetPathParams(pathParams)
	}
	if body != nil {
		r.SetBody(body)
	}
	if out != nil {
		r.SetResult(out)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = r.Get(endpoint)
	case http.MethodPost:
		resp, err = r.Post(endpoint)
	case http.MethodDelete:
		resp, err = r.Delete(endpoint)
	default:
		resp, err = r.Execute(method, endpoint)
	}
	if err != nil {
		return &TransportError{Err: err}
	}
	if resp.IsError() {
		return &RemoteError{
			Status:  resp.StatusCode(),
			Message: strings.TrimSpace(string(resp.Body())),
		}
	}
	return nil
}

// PlaceOrder 按订单类型选择执行端点下单
func (c *Client) PlaceOrder(ctx context.Context, typ domain.OrderType, req OrderRequest) (*RemoteOrder, error) {
	var endpoint string
	switch typ {
	case domain.OrderTypeMarket:
		endpoint = EndpointOrderMarket
	case domain.OrderTypeLimit:
		endpoint = EndpointOrderLimit
	case domain.OrderTypeStop:
		endpoint = EndpointOrderStop
	case domain.OrderTypeStopLimit:
		endpoint = EndpointOrderStopLim
	default:
		endpoint = EndpointOrderMarket
	}
	out := &RemoteOrder{}
	if err := c.do(ctx, http.MethodPost, endpoint, nil, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelOrder 撤单（远端仅确认"已受理"，最终状态靠后续轮询确认）
func (c *Client) CancelOrder(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodDelete, EndpointOrderByID, map[string]string{"id": remoteID}, nil, nil)
}

// GetOrder 查询单个订单
func (c *Client) GetOrder(ctx context.Context, remoteID string) (*RemoteOrder, error) {
	out := &RemoteOrder{}
	if err := c.do(ctx, http.MethodGet, EndpointOrderByID, map[string]string{"id": remoteID}, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListOrders 拉取当前全部在途订单
func (c *Client) ListOrders(ctx context.Context) ([]RemoteOrder, error) {
	var out []RemoteOrder
	if err := c.do(ctx, http.MethodGet, EndpointOrders, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCash 拉取账户现金
func (c *Client) GetCash(ctx context.Context) (*RemoteCash, error) {
	out := &RemoteCash{}
	if err := c.do(ctx, http.MethodGet, EndpointAccountCash, nil, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPortfolio 拉取全部持仓
func (c *Client) GetPortfolio(ctx context.Context) ([]RemotePosition, error) {
	var out []RemotePosition
	if err := c.do(ctx, http.MethodGet, EndpointPortfolio, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccountInfo 账户信息（启动时的凭证探针）
func (c *Client) GetAccountInfo(ctx context.Context) (*RemoteAccountInfo, error) {
	out := &RemoteAccountInfo{}
	if err := c.do(ctx, http.MethodGet, EndpointAccountInfo, nil, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstruments 拉取标的元数据
func (c *Client) GetInstruments(ctx context.Context) ([]RemoteInstrument, error) {
	var out []RemoteInstrument
	if err := c.do(ctx, http.MethodGet, EndpointInstruments, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryOrders 历史订单（history 共享配额）
func (c *Client) HistoryOrders(ctx context.Context) ([]RemoteHistoryOrder, error) {
	var page struct {
		Items []RemoteHistoryOrder `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, EndpointHistOrders, nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// HistoryDividends 分红记录
func (c *Client) HistoryDividends(ctx context.Context) ([]RemoteDividend, error) {
	var page struct {
		Items []RemoteDividend `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, EndpointHistDivs, nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// HistoryTransactions 资金流水
func (c *Client) HistoryTransactions(ctx context.Context) ([]RemoteTransaction, error) {
	var page struct {
		Items []RemoteTransaction `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, EndpointHistTxns, nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}
