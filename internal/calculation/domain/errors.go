package domain

import (
	"errors"
	"fmt"
)

// 错误码，用户可见失败必须携带错误码与消息
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeMarketDataUnavailable = "MARKET_DATA_UNAVAILABLE"
	CodeCalculation           = "CALCULATION_ERROR"
	CodePersistence           = "PERSISTENCE_ERROR"
	CodeDispatch              = "DISPATCH_ERROR"
)

// ErrRequestNotFound 审计记录缺失
var ErrRequestNotFound = errors.New("calculation request not found")

// ValidationError 请求级校验错误，在派发之前拒绝
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", CodeValidation, e.Message)
	}
	return fmt.Sprintf("%s: field %s: %s", CodeValidation, e.Field, e.Message)
}

// NewValidationError 创建校验错误
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// MarketDataError 行情缺失错误，作用域限定在标的/批次，
// 仅造成局部降级，不会导致整个请求失败。
type MarketDataError struct {
	Symbol  string
	Message string
}

func (e *MarketDataError) Error() string {
	return fmt.Sprintf("%s: symbol %s: %s", CodeMarketDataUnavailable, e.Symbol, e.Message)
}

// NewMarketDataError 创建行情缺失错误
func NewMarketDataError(symbol, message string) *MarketDataError {
	return &MarketDataError{Symbol: symbol, Message: message}
}

// CalculationError 单批次计算不变量被破坏，作用域限定在批次
type CalculationError struct {
	LotID   string
	Message string
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("%s: lot %s: %s", CodeCalculation, e.LotID, e.Message)
}

// PersistenceError 持久化失败。审计记录标记 FAILED，
// 已算出的现金流结果仍会返回给调用方。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", CodePersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ErrorSeverity 批次级错误严重度
type ErrorSeverity int8

const (
	SeverityWarning ErrorSeverity = 1 // 警告，分支仍视为成功
	SeverityError   ErrorSeverity = 2 // 致命，分支降级为 FAILED
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LotError 批次级错误记录。按结果值收集聚合，从不穿透聚合边界抛出。
type LotError struct {
	LotID    string        `json:"lot_id"`
	Symbol   string        `json:"symbol,omitempty"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity ErrorSeverity `json:"severity"`
}

// NewLotWarning 创建警告级批次错误
func NewLotWarning(lotID, symbol, code, message string) LotError {
	return LotError{LotID: lotID, Symbol: symbol, Code: code, Message: message, Severity: SeverityWarning}
}

// NewLotFailure 创建致命级批次错误
func NewLotFailure(lotID, symbol, code, message string) LotError {
	return LotError{LotID: lotID, Symbol: symbol, Code: code, Message: message, Severity: SeverityError}
}
