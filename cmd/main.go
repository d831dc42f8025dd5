package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvdashuaibi/littlerank/config"
	"github.com/lvdashuaibi/littlerank/internal/api/graph"
	"github.com/lvdashuaibi/littlerank/internal/broadcast"
	"github.com/lvdashuaibi/littlerank/internal/checkpoint"
	intkafka "github.com/lvdashuaibi/littlerank/internal/kafka"
	"github.com/lvdashuaibi/littlerank/internal/leaderboard"
	"github.com/lvdashuaibi/littlerank/internal/ledger"
	"github.com/lvdashuaibi/littlerank/internal/lock"
	"github.com/lvdashuaibi/littlerank/internal/repository"
	"github.com/lvdashuaibi/littlerank/internal/rule"
	"github.com/lvdashuaibi/littlerank/internal/service"
	"github.com/lvdashuaibi/littlerank/internal/token"
)

const (
	ServiceStartLockName = "littlerank:service:start:lock"
	LockAcquireTimeout   = 30 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("配置加载成功，当前实例ID: %d", *instanceID)

	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository()
	if err != nil {
		log.Fatalf("初始化MySQL仓库失败: %v", err)
	}
	defer mysqlRepo.Close()
	log.Printf("MySQL仓库初始化成功")

	// 创建Redis连接
	redisRepo, err := repository.NewRedisRepository()
	if err != nil {
		log.Fatalf("初始化Redis仓库失败: %v", err)
	}
	defer redisRepo.Close()
	log.Printf("Redis仓库初始化成功")

	// 创建分布式锁，ETCD不可用时降级到RedLock
	var distributedLock lock.Lock
	distributedLock, err = lock.NewETCDLock()
	if err != nil {
		log.Printf("初始化ETCD分布式锁失败: %v，尝试使用RedLock", err)
		distributedLock, err = lock.NewRedLock()
		if err != nil {
			log.Fatalf("初始化RedLock分布式锁失败: %v", err)
		}
		log.Printf("RedLock分布式锁初始化成功")
	} else {
		log.Printf("ETCD分布式锁初始化成功")
	}
	defer distributedLock.Close()

	// 获取服务启动锁，持锁实例作为检查点写入者
	lockAcquired, err := distributedLock.AcquireLock(ServiceStartLockName, LockAcquireTimeout)
	if err != nil {
		log.Printf("获取服务启动锁失败: %v，将以普通节点模式启动", err)
	}

	var isCheckpointLeader bool
	if lockAcquired {
		log.Printf("实例 %d 获取服务启动锁成功，将作为检查点写入者启动", *instanceID)
		isCheckpointLeader = true
		defer distributedLock.ReleaseLock(ServiceStartLockName)
	} else {
		log.Printf("实例 %d 未获取到服务启动锁，以普通节点模式启动", *instanceID)
		isCheckpointLeader = false
	}

	// 创建Kafka生产者
	producer, err := intkafka.NewProducer()
	if err != nil {
		log.Fatalf("初始化Kafka生产者失败: %v", err)
	}
	defer producer.Close()
	log.Printf("Kafka生产者初始化成功")

	// 创建Kafka消费者
	consumer, err := intkafka.NewConsumer()
	if err != nil {
		log.Fatalf("初始化Kafka消费者失败: %v", err)
	}
	defer consumer.Stop()
	log.Printf("Kafka消费者初始化成功")

	// 创建核心组件
	registry := token.NewRegistry(cfg.Token.Retention, cfg.Token.CleanupInterval)
	registry.StartJanitor()
	defer registry.Stop()

	scores := ledger.NewLedger()
	index := leaderboard.NewIndex(cfg.Leaderboard.Size)
	hub := broadcast.NewHub(cfg.Leaderboard.SubscriberQueue)
	defer hub.Close()
	rules := rule.NewTable(cfg.Rules)
	log.Printf("核心组件初始化成功，排行榜容量: %d", cfg.Leaderboard.Size)

	// 创建积分服务
	scoreService := service.NewScoreService(registry, scores, index, hub, rules, producer, mysqlRepo, redisRepo)

	// 启动预热，从MySQL恢复积分账本和排行榜
	if err := scoreService.WarmLoad(); err != nil {
		log.Printf("预热加载失败: %v，将以空账本启动", err)
	}

	// 启动Kafka消费者
	consumer.StartConsuming(scoreService.ProcessScoreEvent)
	log.Printf("Kafka消费者已启动")

	// 启动检查点写入器（只有持锁实例才会真正写入）
	checkpointer := checkpoint.NewCheckpointer(index, hub, redisRepo, distributedLock, isCheckpointLeader)
	checkpointer.Start()
	defer checkpointer.Stop()
	log.Printf("检查点写入器初始化成功，写入者模式: %v", isCheckpointLeader)

	// 创建GraphQL服务
	graphqlServer := graph.NewGraphQLServer(scoreService)
	log.Printf("GraphQL服务初始化成功")

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1

	// 启动HTTP服务器(异步)
	go func() {
		if err := graphqlServer.Start(serverPort); err != nil {
			log.Fatalf("启动GraphQL服务器失败: %v", err)
		}
	}()

	log.Printf("Little Rank 系统 (实例 %d) 已启动，服务地址: http://localhost:%d", *instanceID, serverPort)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("正在关闭服务...")
}
