package seckill

// 秒杀下单资格校验脚本 - 原子性库存校验 + 一人一单
// 库存、去重标记的读写在一次脚本执行中完成，
// 应用层分步 read/check/write 会在并发下重新引入超卖和重复下单
const admissionLuaScript = `
-- KEYS[1]: 库存key (seckill:stock:voucherId)
-- KEYS[2]: 下单用户key (seckill:order:voucherId)
-- ARGV[1]: 用户ID
-- ARGV[2]: 订单ID

local stock_key = KEYS[1]
local order_key = KEYS[2]
local user_id = ARGV[1]

-- 返回码定义
local RESULT_ADMITTED = 0       -- 有资格
local RESULT_OUT_OF_STOCK = 1   -- 库存不足
local RESULT_DUPLICATE = 2      -- 重复下单

-- 判断库存是否充足
local stock = redis.call('GET', stock_key)
if not stock or tonumber(stock) <= 0 then
    return RESULT_OUT_OF_STOCK
end

-- 判断用户是否已下过单
if redis.call('SISMEMBER', order_key, user_id) == 1 then
    return RESULT_DUPLICATE
end

-- 扣减库存并写入预占标记
redis.call('INCRBY', stock_key, -1)
redis.call('SADD', order_key, user_id)

return RESULT_ADMITTED
`

// 预占回滚脚本
// 入队失败等场景下补偿性释放预占：恢复库存并移除去重标记
const rollbackLuaScript = `
-- KEYS[1]: 库存key (seckill:stock:voucherId)
-- KEYS[2]: 下单用户key (seckill:order:voucherId)
-- ARGV[1]: 用户ID

local stock_key = KEYS[1]
local order_key = KEYS[2]
local user_id = ARGV[1]

-- 用户没有预占记录时无需回滚
if redis.call('SREM', order_key, user_id) == 0 then
    return 0
end

redis.call('INCRBY', stock_key, 1)
return 1
`
