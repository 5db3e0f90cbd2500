package storage

import (
    "context"
    "encoding/json"
    "fmt"

    "github.com/redis/go-redis/v9"
    "github.com/sirupsen/logrus"

    "github.com/hewittc/mrgpib/pkg/protocol"
)

const defaultListLength = 100

type MessageQueue struct {
    client     *redis.Client
    channel    string
    listLength int64
    log        *logrus.Logger
}

func NewMessageQueue(addr, password, channel string, db, poolSize int, listLength int64, log *logrus.Logger) (*MessageQueue, error) {
    client := redis.NewClient(&redis.Options{
        Addr:     addr,
        Password: password,
        DB:       db,
        PoolSize: poolSize,
    })

    // 测试连接
    ctx := context.Background()
    if err := client.Ping(ctx).Err(); err != nil {
        client.Close()
        return nil, fmt.Errorf("连接Redis失败: %w", err)
    }

    log.Info("Redis连接成功")

    if listLength <= 0 {
        listLength = defaultListLength
    }
    return &MessageQueue{
        client:     client,
        channel:    channel,
        listLength: listLength,
        log:        log,
    }, nil
}

// ListKey 每台设备最近波形的列表
func ListKey(deviceID string) string {
    return fmt.Sprintf("instrument:%s:waveforms", deviceID)
}

// Publish 发布波形到Pub/Sub, 并保存到设备列表
func (mq *MessageQueue) Publish(ctx context.Context, wf *protocol.Waveform) error {
    jsonData, err := json.Marshal(wf)
    if err != nil {
        return fmt.Errorf("序列化波形失败: %w", err)
    }

    if err := mq.client.Publish(ctx, mq.channel, jsonData).Err(); err != nil {
        return fmt.Errorf("发布波形失败: %w", err)
    }

    // 列表只是备份, 失败不影响发布
    listKey := ListKey(wf.DeviceID)
    pipe := mq.client.TxPipeline()
    pipe.LPush(ctx, listKey, jsonData)
    pipe.LTrim(ctx, listKey, 0, mq.listLength-1)
    if _, err := pipe.Exec(ctx); err != nil {
        mq.log.Warnf("保存到List失败 [%s]: %v", wf.DeviceID, err)
    }

    return nil
}

// PublishBatch 批量发布, 无法序列化的波形被跳过
func (mq *MessageQueue) PublishBatch(ctx context.Context, wfs []*protocol.Waveform) error {
    pipe := mq.client.Pipeline()

    for _, wf := range wfs {
        jsonData, err := json.Marshal(wf)
        if err != nil {
            mq.log.Errorf("序列化波形失败: %v", err)
            continue
        }

        pipe.Publish(ctx, mq.channel, jsonData)
        pipe.LPush(ctx, ListKey(wf.DeviceID), jsonData)
        pipe.LTrim(ctx, ListKey(wf.DeviceID), 0, mq.listLength-1)
    }

    _, err := pipe.Exec(ctx)
    return err
}

// Recent 读取设备最近的 n 条波形, 最新的在前
func (mq *MessageQueue) Recent(ctx context.Context, deviceID string, n int64) ([]*protocol.Waveform, error) {
    items, err := mq.client.LRange(ctx, ListKey(deviceID), 0, n-1).Result()
    if err != nil {
        return nil, fmt.Errorf("读取List失败: %w", err)
    }

    wfs := make([]*protocol.Waveform, 0, len(items))
    for _, item := range items {
        var wf protocol.Waveform
        if err := json.Unmarshal([]byte(item), &wf); err != nil {
            return nil, fmt.Errorf("解析波形失败: %w", err)
        }
        wfs = append(wfs, &wf)
    }
    return wfs, nil
}

// Subscribe 接收频道上的波形直到 ctx 结束; 无法解析的消息被跳过
func (mq *MessageQueue) Subscribe(ctx context.Context, handle func(*protocol.Waveform)) error {
    sub := mq.client.Subscribe(ctx, mq.channel)
    defer sub.Close()

    // 等待订阅确认
    if _, err := sub.Receive(ctx); err != nil {
        return fmt.Errorf("订阅失败: %w", err)
    }

    ch := sub.Channel()
    for {
        select {
        case <-ctx.Done():
            return nil
        case msg, ok := <-ch:
            if !ok {
                return nil
            }
            var wf protocol.Waveform
            if err := json.Unmarshal([]byte(msg.Payload), &wf); err != nil {
                mq.log.Warnf("解析波形失败: %v", err)
                continue
            }
            handle(&wf)
        }
    }
}

// Close 关闭连接
func (mq *MessageQueue) Close() error {
    return mq.client.Close()
}
