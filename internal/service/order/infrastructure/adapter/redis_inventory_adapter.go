package adapter

import (
	"context"
	"fmt"
	"strconv"

	"checkout/internal/pkg/redis"
	"checkout/internal/service/order/domain"

	"github.com/pkg/errors"
)

const (
	inventoryService = "inventory"

	reserveScriptName = "inventory_reserve"
	confirmScriptName = "inventory_confirm"
	releaseScriptName = "inventory_release"
)

// InventoryRedisAdapter 是 port.InventoryStore 的 Redis 实现。
// 库存与预占记录放在同一个 hash tag 下，集群模式下 Lua 脚本操作的 key 落在同一个 slot。
type InventoryRedisAdapter struct {
	redisClient *redis.Client
}

// NewInventoryRedisAdapter 在创建时加载所有需要的 Lua 脚本
func NewInventoryRedisAdapter(redisClient *redis.Client) (*InventoryRedisAdapter, error) {
	scripts := map[string]string{
		reserveScriptName: reserveScript,
		confirmScriptName: confirmScript,
		releaseScriptName: releaseScript,
	}
	for name, content := range scripts {
		if err := redisClient.LoadScriptFromContent(name, content); err != nil {
			return nil, fmt.Errorf("failed to load inventory script %s: %w", name, err)
		}
	}
	return &InventoryRedisAdapter{redisClient: redisClient}, nil
}

func stockKey(productKey string) string {
	return fmt.Sprintf("inventory:{%s}", productKey)
}

func reservationsKey(productKey string) string {
	return fmt.Sprintf("inventory:{%s}:reservations", productKey)
}

// SetStock (测试和管理用) 设置在库数量，不影响已有预占
func (a *InventoryRedisAdapter) SetStock(ctx context.Context, productKey string, quantity int) error {
	err := a.redisClient.GetClient().HSet(ctx, stockKey(productKey), "on_hand", quantity).Err()
	return errors.Wrapf(err, "set stock of %s", productKey)
}

func (a *InventoryRedisAdapter) GetStock(ctx context.Context, productKey string) (int, error) {
	vals, err := a.redisClient.GetClient().HMGet(ctx, stockKey(productKey), "on_hand", "reserved").Result()
	if err != nil {
		return 0, domain.NewTransientError(inventoryService, errors.Wrapf(err, "read stock of %s", productKey))
	}
	onHand, reserved := toInt(vals[0]), toInt(vals[1])
	return onHand - reserved, nil
}

func (a *InventoryRedisAdapter) Reserve(ctx context.Context, orderID, productKey string, quantity int) error {
	out, err := a.run(ctx, reserveScriptName, productKey, orderID, quantity)
	if err != nil {
		return err
	}
	res, ok := out.([]interface{})
	if !ok || len(res) != 2 {
		return domain.NewTransientError(inventoryService, fmt.Errorf("unexpected result type from reserve script: %T", out))
	}
	if toInt(res[0]) == 1 {
		return nil
	}
	return &domain.StockInsufficientError{ProductKey: productKey, Requested: quantity, Available: toInt(res[1])}
}

func (a *InventoryRedisAdapter) Confirm(ctx context.Context, orderID, productKey string, quantity int) error {
	out, err := a.run(ctx, confirmScriptName, productKey, orderID, quantity)
	if err != nil {
		return err
	}
	if code, _ := out.(int64); code != 1 {
		return fmt.Errorf("no active reservation for order %s product %s", orderID, productKey)
	}
	return nil
}

func (a *InventoryRedisAdapter) Release(ctx context.Context, orderID, productKey string, quantity int) error {
	_, err := a.run(ctx, releaseScriptName, productKey, orderID, quantity)
	return err
}

func (a *InventoryRedisAdapter) run(ctx context.Context, script, productKey, orderID string, quantity int) (interface{}, error) {
	keys := []string{stockKey(productKey), reservationsKey(productKey)}
	out, err := a.redisClient.RunScript(ctx, script, keys, orderID, quantity)
	if err != nil {
		return nil, domain.NewTransientError(inventoryService, errors.Wrapf(err, "%s for order %s product %s", script, orderID, productKey))
	}
	return out, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// 预占记录的值格式为 "STATUS:qty"

var reserveScript = `
-- KEYS[1]: 库存 hash，字段 on_hand / reserved
-- KEYS[2]: 预占记录 hash，字段为订单号
-- ARGV[1]: 订单号  ARGV[2]: 数量
local r = redis.call('HGET', KEYS[2], ARGV[1])
if r and string.sub(r, 1, 8) ~= 'RELEASED' then
    return {1, 0} -- 已经预占过
end
local onHand = tonumber(redis.call('HGET', KEYS[1], 'on_hand') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local qty = tonumber(ARGV[2])
local available = onHand - reserved
if available < qty then
    return {0, available}
end
redis.call('HINCRBY', KEYS[1], 'reserved', qty)
redis.call('HSET', KEYS[2], ARGV[1], 'RESERVED:' .. qty)
return {1, available - qty}
`

var confirmScript = `
local r = redis.call('HGET', KEYS[2], ARGV[1])
if not r then
    return -1
end
local sep = string.find(r, ':', 1, true)
local status = string.sub(r, 1, sep - 1)
local qty = tonumber(string.sub(r, sep + 1))
if status == 'CONFIRMED' then
    return 1
end
if status ~= 'RESERVED' then
    return -1
end
redis.call('HINCRBY', KEYS[1], 'on_hand', -qty)
redis.call('HINCRBY', KEYS[1], 'reserved', -qty)
redis.call('HSET', KEYS[2], ARGV[1], 'CONFIRMED:' .. qty)
return 1
`

var releaseScript = `
local r = redis.call('HGET', KEYS[2], ARGV[1])
if not r then
    return 0
end
local sep = string.find(r, ':', 1, true)
local status = string.sub(r, 1, sep - 1)
local qty = tonumber(string.sub(r, sep + 1))
if status == 'RESERVED' then
    redis.call('HINCRBY', KEYS[1], 'reserved', -qty)
elseif status == 'CONFIRMED' then
    redis.call('HINCRBY', KEYS[1], 'on_hand', qty)
else
    return 0
end
redis.call('HSET', KEYS[2], ARGV[1], 'RELEASED:' .. qty)
return 1
`
